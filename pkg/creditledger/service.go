package creditledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the ledger's domain logic over a Store. All mutating
// operations on the same user are serialized by the store's user row lock;
// operations on different users run independently.
type Service struct {
	store      Store
	nowFn      func() int64
	logger     OperationLogger
	publishers []BalancePublisher
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ReserveOptions carries the optional parts of a Reserve call.
// TTLSeconds zero selects the default hold window; negative disables expiry.
type ReserveOptions struct {
	Description string
	SessionRef  string
	TTLSeconds  int64
}

// GrantOptions carries the optional parts of an AddCredits call.
// ExpiresInSeconds zero selects the default lot lifetime. Metadata is an
// optional JSON blob (payment provider references and the like) recorded on
// the grant's audit row.
type GrantOptions struct {
	Source           LotSource
	Description      string
	Metadata         string
	ExpiresInSeconds int64
}

// GetAvailableCredits returns the cached balance, the sum of active holds,
// and what remains spendable. Read-only, no lock taken.
func (service *Service) GetAvailableCredits(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetUser(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	reserved, err := service.store.SumActiveReservations(ctx, userID.String(), service.nowFn())
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Balance:   account.Credits,
		Reserved:  reserved,
		Available: clampNonNegative(account.Credits - reserved),
	}, nil
}

// GetCredits returns the availability view plus the active lots in canonical
// consumption order, which is identical to the order capture consumes them.
func (service *Service) GetCredits(ctx context.Context, userID UserID) (CreditSummary, error) {
	balance, err := service.GetAvailableCredits(ctx, userID)
	if err != nil {
		return CreditSummary{}, err
	}
	lots, err := service.store.ListActiveLots(ctx, userID.String(), service.nowFn())
	if err != nil {
		return CreditSummary{}, err
	}
	return CreditSummary{
		Balance:   balance.Balance,
		Reserved:  balance.Reserved,
		Available: balance.Available,
		Lots:      lots,
	}, nil
}

// GetCreditsForUsers returns the availability view for several users at once.
func (service *Service) GetCreditsForUsers(ctx context.Context, userIDs []UserID) (map[string]Balance, error) {
	raw := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		raw = append(raw, userID.String())
	}
	accounts, err := service.store.GetUsers(ctx, raw)
	if err != nil {
		return nil, err
	}
	nowUnixUTC := service.nowFn()
	balances := make(map[string]Balance, len(accounts))
	for _, account := range accounts {
		reserved, err := service.store.SumActiveReservations(ctx, account.UserID, nowUnixUTC)
		if err != nil {
			return nil, err
		}
		balances[account.UserID] = Balance{
			Balance:   account.Credits,
			Reserved:  reserved,
			Available: clampNonNegative(account.Credits - reserved),
		}
	}
	return balances, nil
}

// ListTransactions lists a user's audit rows before a cutoff, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	return service.store.ListTransactions(ctx, userID.String(), beforeUnixUTC, limit)
}

// Reserve places a soft hold against the user's available credit. The user
// row lock makes concurrent reservations strictly serial, so available
// credit can never be oversold.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount CreditAmount, options ReserveOptions) (ReserveResult, error) {
	var result ReserveResult
	var event BalanceEvent
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.LockUser(ctx, userID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		reserved, err := txStore.SumActiveReservations(ctx, userID.String(), nowUnixUTC)
		if err != nil {
			return err
		}
		available := clampNonNegative(account.Credits - reserved)
		if available < amount.Int64() {
			return WrapError(operationReserve, "reservation", "insufficient", InsufficientCreditsError{Available: available})
		}
		ttlSeconds := options.TTLSeconds
		if ttlSeconds == 0 {
			ttlSeconds = defaultReservationTTLSeconds
		}
		var expiresAtUnixUTC int64
		if ttlSeconds > 0 {
			expiresAtUnixUTC = nowUnixUTC + ttlSeconds
		}
		reservation := Reservation{
			ReservationID:    uuid.NewString(),
			UserID:           userID.String(),
			Amount:           amount.Int64(),
			Status:           ReservationStatusReserved,
			Description:      options.Description,
			SessionRef:       options.SessionRef,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
			CreatedAtUnixUTC: nowUnixUTC,
		}
		if err := txStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		result = ReserveResult{
			ReservationID:    reservation.ReservationID,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
		}
		reservedNow := reserved + amount.Int64()
		event = BalanceEvent{
			UserID:          userID.String(),
			Balance:         account.Credits,
			Available:       clampNonNegative(account.Credits - reservedNow),
			Reserved:        reservedNow,
			Event:           BalanceEventReserved,
			ReservationID:   reservation.ReservationID,
			Delta:           amount.Int64(),
			OccurredUnixUTC: nowUnixUTC,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        userID.String(),
		ReservationID: result.ReservationID,
		Amount:        amount.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return ReserveResult{}, operationError
	}
	service.publishBalanceChanged(ctx, event)
	return result, nil
}

// Capture settles a reservation as a permanent debit, consuming lots
// FIFO-by-expiry. Capturing a reservation that already reached a terminal
// status reports ErrInvalidReservationState and never double-deducts. A
// reservation whose TTL elapsed is flipped to expired (that flip commits)
// and ErrReservationExpired is reported so callers can fall back to
// CaptureExpired; a hold already sitting in expired reports the same.
func (service *Service) Capture(ctx context.Context, reservationID ReservationID, descriptionOverride string) error {
	var event BalanceEvent
	var settled bool
	var expiredLazily bool
	var capturedUserID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		capturedUserID = reservation.UserID
		if reservation.Status.Terminal() {
			return WrapError(operationCapture, "reservation", "state", ErrInvalidReservationState)
		}
		if reservation.Status == ReservationStatusExpired {
			return WrapError(operationCapture, "reservation", "expired", ErrReservationExpired)
		}
		nowUnixUTC := service.nowFn()
		if reservation.TTLElapsed(nowUnixUTC) {
			if err := txStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusReserved, ReservationStatusExpired, nowUnixUTC); err != nil {
				return err
			}
			expiredLazily = true
			return nil
		}
		event, err = service.settleReservation(ctx, txStore, reservation, ReservationStatusReserved, descriptionOverride, nowUnixUTC)
		if err != nil {
			return err
		}
		settled = true
		return nil
	})
	if operationError == nil && expiredLazily {
		operationError = WrapError(operationCapture, "reservation", "expired", ErrReservationExpired)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCapture,
		UserID:        capturedUserID,
		ReservationID: reservationID.String(),
		Error:         operationError,
	})
	if operationError != nil {
		return operationError
	}
	if settled {
		service.publishBalanceChanged(ctx, event)
	}
	return nil
}

// Release cancels a reservation without debiting any lot.
func (service *Service) Release(ctx context.Context, reservationID ReservationID) error {
	var event BalanceEvent
	var releasedUserID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		releasedUserID = reservation.UserID
		if reservation.Status != ReservationStatusReserved {
			return WrapError(operationRelease, "reservation", "state", ErrInvalidReservationState)
		}
		account, err := txStore.LockUser(ctx, reservation.UserID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := txStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusReserved, ReservationStatusReleased, nowUnixUTC); err != nil {
			return err
		}
		reserved, err := txStore.SumActiveReservations(ctx, reservation.UserID, nowUnixUTC)
		if err != nil {
			return err
		}
		event = BalanceEvent{
			UserID:          reservation.UserID,
			Balance:         account.Credits,
			Available:       clampNonNegative(account.Credits - reserved),
			Reserved:        reserved,
			Event:           BalanceEventReleased,
			ReservationID:   reservation.ReservationID,
			Delta:           reservation.Amount,
			OccurredUnixUTC: nowUnixUTC,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		UserID:        releasedUserID,
		ReservationID: reservationID.String(),
		Error:         operationError,
	})
	if operationError != nil {
		return operationError
	}
	service.publishBalanceChanged(ctx, event)
	return nil
}

// Debit spends credit immediately: a short-lived reservation followed by an
// immediate capture, so the consumption path stays single. The composite is
// logged as its own operation on top of the reserve and capture entries.
func (service *Service) Debit(ctx context.Context, userID UserID, amount CreditAmount, description string) error {
	reservationID, operationError := service.debit(ctx, userID, amount, description)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		UserID:        userID.String(),
		ReservationID: reservationID,
		Amount:        amount.Int64(),
		Error:         operationError,
	})
	return operationError
}

func (service *Service) debit(ctx context.Context, userID UserID, amount CreditAmount, description string) (string, error) {
	result, err := service.Reserve(ctx, userID, amount, ReserveOptions{
		Description: description,
		TTLSeconds:  fallbackDebitTTLSeconds,
	})
	if err != nil {
		return "", err
	}
	reservationID, err := NewReservationID(result.ReservationID)
	if err != nil {
		return result.ReservationID, err
	}
	return result.ReservationID, service.Capture(ctx, reservationID, description)
}

// settleReservation performs the consumption for a reservation under the
// caller's transaction: locks the user, plans the prefix-sum walk over the
// ordered open lots, applies the decrements as one batch, writes one audit
// row per touched lot, recomputes the cached balance, and marks the
// reservation captured.
func (service *Service) settleReservation(ctx context.Context, txStore Store, reservation Reservation, fromStatus ReservationStatus, descriptionOverride string, nowUnixUTC int64) (BalanceEvent, error) {
	if _, err := txStore.LockUser(ctx, reservation.UserID); err != nil {
		return BalanceEvent{}, err
	}
	lots, err := txStore.ListConsumableLots(ctx, reservation.UserID)
	if err != nil {
		return BalanceEvent{}, err
	}
	startingBalance, err := txStore.SumOpenLotRemaining(ctx, reservation.UserID, nowUnixUTC)
	if err != nil {
		return BalanceEvent{}, err
	}
	debits, finalBalance, err := planLotDeductions(lots, reservation.Amount, startingBalance, nowUnixUTC)
	if err != nil {
		return BalanceEvent{}, err
	}
	if err := txStore.ApplyLotDebits(ctx, debits); err != nil {
		return BalanceEvent{}, err
	}
	description := descriptionOverride
	if description == "" {
		description = reservation.Description
	}
	if description == "" {
		description = descriptionCreditUsage
	}
	for _, debit := range debits {
		transaction := CreditTransaction{
			TransactionID:    uuid.NewString(),
			UserID:           reservation.UserID,
			Description:      description,
			Amount:           -debit.Amount,
			BalanceAfter:     debit.BalanceAfter,
			LotID:            debit.LotID,
			ReservationID:    reservation.ReservationID,
			ExpiresAtUnixUTC: debit.ExpiresAtUnixUTC,
			CreatedAtUnixUTC: nowUnixUTC,
		}
		if err := txStore.InsertTransaction(ctx, transaction); err != nil {
			return BalanceEvent{}, err
		}
	}
	if err := txStore.UpdateUserCredits(ctx, reservation.UserID, finalBalance); err != nil {
		return BalanceEvent{}, err
	}
	if err := txStore.UpdateReservationStatus(ctx, reservation.ReservationID, fromStatus, ReservationStatusCaptured, nowUnixUTC); err != nil {
		return BalanceEvent{}, err
	}
	reserved, err := txStore.SumActiveReservations(ctx, reservation.UserID, nowUnixUTC)
	if err != nil {
		return BalanceEvent{}, err
	}
	return BalanceEvent{
		UserID:          reservation.UserID,
		Balance:         finalBalance,
		Available:       clampNonNegative(finalBalance - reserved),
		Reserved:        reserved,
		Event:           BalanceEventCaptured,
		ReservationID:   reservation.ReservationID,
		OccurredUnixUTC: nowUnixUTC,
	}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) publishBalanceChanged(ctx context.Context, event BalanceEvent) {
	for _, publisher := range service.publishers {
		publisher.PublishBalanceChanged(ctx, event)
	}
}

func clampNonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
