// Package oplog adapts a zap logger to the ledger's operation callback.
package oplog

import (
	"context"

	"github.com/prismgen/creditledger/pkg/creditledger"
	"go.uber.org/zap"
)

// Logger emits one structured line per ledger operation.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing through the given zap logger.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (log *Logger) LogOperation(_ context.Context, entry creditledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.LotID != "" {
		fields = append(fields, zap.String("lot_id", entry.LotID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		log.logger.Warn("ledger operation failed", fields...)
		return
	}
	log.logger.Info("ledger operation", fields...)
}
