package finalizer

import (
	"context"
	"errors"
	"time"

	"github.com/prismgen/creditledger/pkg/creditledger"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 100
)

// Outcome is a generation result whose reservation still needs settling.
// Completed outcomes are captured; failed ones are released.
type Outcome struct {
	ReservationID string
	UserID        string
	Description   string
	Completed     bool
}

// OutcomeSource yields finished generations with unsettled reservations.
// Claimed outcomes must not be handed out twice while the claim holds.
type OutcomeSource interface {
	ClaimFinalizable(ctx context.Context, limit int) ([]Outcome, error)
}

// Worker periodically expires overdue reservations and settles any outcomes
// whose completion signal never reached the API path.
type Worker struct {
	service  *creditledger.Service
	source   OutcomeSource
	logger   *zap.Logger
	interval time.Duration
	batch    int
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval overrides the sweep cadence.
func WithInterval(interval time.Duration) Option {
	return func(worker *Worker) {
		if interval > 0 {
			worker.interval = interval
		}
	}
}

// WithBatchSize overrides how many rows a single sweep claims.
func WithBatchSize(batch int) Option {
	return func(worker *Worker) {
		if batch > 0 {
			worker.batch = batch
		}
	}
}

// WithOutcomeSource attaches a source of finished generations to settle.
// Without one the worker only expires overdue reservations.
func WithOutcomeSource(source OutcomeSource) Option {
	return func(worker *Worker) {
		worker.source = source
	}
}

// New returns a Worker over the given service.
func New(service *creditledger.Service, logger *zap.Logger, options ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	worker := &Worker{
		service:  service,
		logger:   logger,
		interval: defaultSweepInterval,
		batch:    defaultSweepBatch,
	}
	for _, option := range options {
		option(worker)
	}
	return worker
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (worker *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(worker.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			worker.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: flip overdue holds to expired, then settle any
// claimable outcomes. Errors are logged, never fatal; the next tick retries.
func (worker *Worker) Sweep(ctx context.Context) {
	expired, err := worker.service.ExpireOverdueReservations(ctx, worker.batch)
	if err != nil {
		worker.logger.Warn("reservation expiry sweep failed", zap.Error(err))
	} else if len(expired) > 0 {
		worker.logger.Info("expired overdue reservations", zap.Int("count", len(expired)))
	}

	if worker.source == nil {
		return
	}
	outcomes, err := worker.source.ClaimFinalizable(ctx, worker.batch)
	if err != nil {
		worker.logger.Warn("outcome claim failed", zap.Error(err))
		return
	}
	for _, outcome := range outcomes {
		worker.settle(ctx, outcome)
	}
}

func (worker *Worker) settle(ctx context.Context, outcome Outcome) {
	reservationID, err := creditledger.NewReservationID(outcome.ReservationID)
	if err != nil {
		worker.logger.Warn("outcome carries invalid reservation id",
			zap.String("reservation_id", outcome.ReservationID),
			zap.Error(err),
		)
		return
	}

	if !outcome.Completed {
		err := worker.service.Release(ctx, reservationID)
		if err != nil && !errors.Is(err, creditledger.ErrInvalidReservationState) {
			worker.logger.Warn("release failed",
				zap.String("reservation_id", outcome.ReservationID),
				zap.Error(err),
			)
		}
		return
	}

	err = worker.service.Capture(ctx, reservationID, outcome.Description)
	switch {
	case err == nil:
	case errors.Is(err, creditledger.ErrReservationExpired):
		// The hold expired before the completion signal arrived; debit the
		// consumed credits against whatever lots remain.
		if err := worker.service.CaptureExpired(ctx, reservationID, outcome.Description); err != nil &&
			!errors.Is(err, creditledger.ErrInvalidReservationState) {
			worker.logger.Warn("fallback capture failed",
				zap.String("reservation_id", outcome.ReservationID),
				zap.Error(err),
			)
		}
	case errors.Is(err, creditledger.ErrInvalidReservationState):
		// Already settled through the API path.
	default:
		worker.logger.Warn("capture failed",
			zap.String("reservation_id", outcome.ReservationID),
			zap.Error(err),
		)
	}
}
