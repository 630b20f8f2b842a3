package creditledger

import (
	"context"

	"github.com/google/uuid"
)

// ExpireOverdueReservations flips reserved holds whose TTL elapsed to
// expired. Rows are claimed with a skip-locked read so concurrent finalizer
// instances never process the same reservation twice. One balance-changed
// event per affected user is published after commit, since available credit
// grows when a hold vanishes. Returns the reservations that were expired by
// this call.
func (service *Service) ExpireOverdueReservations(ctx context.Context, limit int) ([]Reservation, error) {
	var expired []Reservation
	var events []BalanceEvent
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		nowUnixUTC := service.nowFn()
		claimed, err := txStore.ClaimOverdueReservations(ctx, nowUnixUTC, limit)
		if err != nil {
			return err
		}
		expired = claimed
		touchedUsers := make([]string, 0, len(claimed))
		seen := make(map[string]bool, len(claimed))
		for _, reservation := range claimed {
			if !seen[reservation.UserID] {
				seen[reservation.UserID] = true
				touchedUsers = append(touchedUsers, reservation.UserID)
			}
		}
		for _, touched := range touchedUsers {
			account, err := txStore.GetUser(ctx, touched)
			if err != nil {
				return err
			}
			reserved, err := txStore.SumActiveReservations(ctx, touched, nowUnixUTC)
			if err != nil {
				return err
			}
			events = append(events, BalanceEvent{
				UserID:          touched,
				Balance:         account.Credits,
				Available:       clampNonNegative(account.Credits - reserved),
				Reserved:        reserved,
				Event:           BalanceEventReleased,
				OccurredUnixUTC: nowUnixUTC,
			})
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSweepHolds,
		Amount:    int64(len(expired)),
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	for _, event := range events {
		service.publishBalanceChanged(ctx, event)
	}
	return expired, nil
}

// ExpireOverdueLots closes open lots past their expiry, any source, writing
// one negative audit row per drained lot and recomputing each affected
// user's cached balance. Users are processed one at a time under their row
// lock, taken before any lot row; that is the same lock order capture uses,
// so the sweep serializes against concurrent consumption and never persists
// a stale balance. An empty userID sweeps across all users. Returns the
// number of lots closed.
func (service *Service) ExpireOverdueLots(ctx context.Context, userID string, limit int) (int, error) {
	var closed int
	var events []BalanceEvent
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		nowUnixUTC := service.nowFn()
		overdueUsers, err := txStore.ListUsersWithOverdueLots(ctx, userID, nowUnixUTC, limit)
		if err != nil {
			return err
		}
		remaining := limit
		for _, touched := range overdueUsers {
			if limit > 0 && remaining <= 0 {
				break
			}
			if _, err := txStore.LockUser(ctx, touched); err != nil {
				return err
			}
			lots, err := txStore.ListOverdueLotsForUpdate(ctx, touched, nowUnixUTC, remaining)
			if err != nil {
				return err
			}
			if len(lots) == 0 {
				continue
			}
			// Expired lots no longer count toward the balance, so closing
			// them leaves the sum unchanged; one recompute covers every
			// audit row and the cached credits.
			balance, err := txStore.SumOpenLotRemaining(ctx, touched, nowUnixUTC)
			if err != nil {
				return err
			}
			for _, lot := range lots {
				transaction := CreditTransaction{
					TransactionID:    uuid.NewString(),
					UserID:           lot.UserID,
					Description:      descriptionExpiredCredits,
					Amount:           -lot.Remaining,
					BalanceAfter:     balance,
					LotID:            lot.LotID,
					ExpiresAtUnixUTC: lot.ExpiresAtUnixUTC,
					CreatedAtUnixUTC: nowUnixUTC,
				}
				if err := txStore.InsertTransaction(ctx, transaction); err != nil {
					return err
				}
				if err := txStore.CloseLot(ctx, lot.LotID, nowUnixUTC); err != nil {
					return err
				}
				closed++
			}
			remaining -= len(lots)
			if err := txStore.UpdateUserCredits(ctx, touched, balance); err != nil {
				return err
			}
			reserved, err := txStore.SumActiveReservations(ctx, touched, nowUnixUTC)
			if err != nil {
				return err
			}
			events = append(events, BalanceEvent{
				UserID:          touched,
				Balance:         balance,
				Available:       clampNonNegative(balance - reserved),
				Reserved:        reserved,
				Event:           BalanceEventExpired,
				OccurredUnixUTC: nowUnixUTC,
			})
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSweepLots,
		UserID:    userID,
		Amount:    int64(closed),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	for _, event := range events {
		service.publishBalanceChanged(ctx, event)
	}
	return closed, nil
}

// CaptureExpired is the fallback debit for a job whose outcome arrived after
// its reservation's TTL elapsed: it bypasses TTL validation, runs the normal
// lot consumption for the reservation's amount, and marks the reservation
// captured. A natural capture racing this call observes the terminal status
// first and reports ErrInvalidReservationState, so exactly one debit occurs.
func (service *Service) CaptureExpired(ctx context.Context, reservationID ReservationID, descriptionOverride string) error {
	var event BalanceEvent
	var fallbackUserID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		fallbackUserID = reservation.UserID
		if reservation.Status.Terminal() {
			return WrapError(operationFallback, "reservation", "state", ErrInvalidReservationState)
		}
		nowUnixUTC := service.nowFn()
		event, err = service.settleReservation(ctx, txStore, reservation, reservation.Status, descriptionOverride, nowUnixUTC)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationFallback,
		UserID:        fallbackUserID,
		ReservationID: reservationID.String(),
		Error:         operationError,
	})
	if operationError != nil {
		return operationError
	}
	service.publishBalanceChanged(ctx, event)
	return nil
}
