package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prismgen/creditledger/pkg/creditledger"
	"go.uber.org/zap"
)

const (
	balanceChannel = "credit_balance_changed"

	sqlNotifyBalance = `select pg_notify($1, $2)`

	listenRetryBaseDelay = time.Second
	listenRetryMaxDelay  = 30 * time.Second
)

// NotifyPublisher pushes balance-changed events through pg_notify so every
// process attached to the same database observes them. Delivery is
// best-effort; a failed notify is logged and dropped.
type NotifyPublisher struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewNotifyPublisher returns a NotifyPublisher on the given pool.
func NewNotifyPublisher(pool *pgxpool.Pool, logger *zap.Logger) *NotifyPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyPublisher{pool: pool, logger: logger}
}

func (publisher *NotifyPublisher) PublishBalanceChanged(ctx context.Context, event creditledger.BalanceEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		publisher.logger.Warn("balance event encode failed", zap.Error(err))
		return
	}
	if _, err := publisher.pool.Exec(ctx, sqlNotifyBalance, balanceChannel, string(payload)); err != nil {
		publisher.logger.Warn("balance event notify failed",
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
	}
}

// NotifyListener holds a dedicated connection on the balance channel and
// forwards decoded events to a sink, reconnecting with backoff after errors.
type NotifyListener struct {
	pool   *pgxpool.Pool
	sink   creditledger.BalancePublisher
	logger *zap.Logger
}

// NewNotifyListener returns a listener forwarding into sink.
func NewNotifyListener(pool *pgxpool.Pool, sink creditledger.BalancePublisher, logger *zap.Logger) *NotifyListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyListener{pool: pool, sink: sink, logger: logger}
}

// Run blocks until ctx is cancelled.
func (listener *NotifyListener) Run(ctx context.Context) error {
	delay := listenRetryBaseDelay
	for {
		err := listener.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		listener.logger.Warn("balance listener disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > listenRetryMaxDelay {
			delay = listenRetryMaxDelay
		}
	}
}

func (listener *NotifyListener) listenOnce(ctx context.Context) error {
	conn, err := listener.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "listen "+balanceChannel); err != nil {
		return err
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var event creditledger.BalanceEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			listener.logger.Warn("balance event decode failed", zap.Error(err))
			continue
		}
		listener.sink.PublishBalanceChanged(ctx, event)
	}
}
