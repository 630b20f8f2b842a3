package creditledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        string
	ReservationID string
	LotID         string
	Amount        int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithBalancePublisher attaches a publisher that receives a balance-changed
// event after each mutating operation commits. May be called more than once;
// every publisher receives every event.
func WithBalancePublisher(publisher BalancePublisher) ServiceOption {
	return func(service *Service) {
		if publisher != nil {
			service.publishers = append(service.publishers, publisher)
		}
	}
}
