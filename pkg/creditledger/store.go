package creditledger

import "context"

// Store is the persistence contract used by Service. Implementations must
// make WithTx transactional: every mutation inside fn commits or rolls back
// as a unit, and LockUser must take an exclusive row-level lock that
// serializes concurrent operations on the same user for the transaction's
// lifetime.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockUser fetches the users row under an exclusive lock.
	LockUser(ctx context.Context, userID string) (UserAccount, error)
	// GetUser fetches the users row without locking.
	GetUser(ctx context.Context, userID string) (UserAccount, error)
	// GetUsers fetches several users rows without locking.
	GetUsers(ctx context.Context, userIDs []string) ([]UserAccount, error)
	// UpdateUserCredits overwrites the cached balance.
	UpdateUserCredits(ctx context.Context, userID string, credits int64) error

	// SumActiveReservations sums amounts of reserved, unexpired holds.
	SumActiveReservations(ctx context.Context, userID string, nowUnixUTC int64) (int64, error)
	// CreateReservation inserts a new reservation row.
	CreateReservation(ctx context.Context, reservation Reservation) error
	// GetReservationForUpdate fetches a reservation under an exclusive lock.
	GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error)
	// UpdateReservationStatus transitions a reservation conditionally on its
	// current status; zero rows affected reports ErrInvalidReservationState.
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus, atUnixUTC int64) error
	// ClaimOverdueReservations claims reserved rows past their TTL, skipping
	// rows locked by concurrent finalizer instances, and flips them to expired.
	ClaimOverdueReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error)

	// InsertLot inserts a lot row and returns its id. A duplicate open
	// subscription lot for (user_id, cycle_start) reports ErrCycleLotExists.
	InsertLot(ctx context.Context, lot Lot) (string, error)
	// FindSubscriptionLot looks up a subscription lot by its cycle key.
	FindSubscriptionLot(ctx context.Context, userID string, cycleStartUnixUTC int64) (Lot, bool, error)
	// ListConsumableLots returns open lots with remaining > 0 in canonical
	// consumption order (expires_at ascending, nulls last, then created_at).
	ListConsumableLots(ctx context.Context, userID string) ([]Lot, error)
	// ListActiveLots returns the lots counted by the balance rule, in
	// consumption order.
	ListActiveLots(ctx context.Context, userID string, nowUnixUTC int64) ([]Lot, error)
	// ListOpenSubscriptionLotsForUpdate locks the user's open subscription lots.
	ListOpenSubscriptionLotsForUpdate(ctx context.Context, userID string) ([]Lot, error)
	// CloseSubscriptionLots zeroes and closes all open subscription lots.
	CloseSubscriptionLots(ctx context.Context, userID string, nowUnixUTC int64) error
	// ListUsersWithOverdueLots returns, without locking, ids of users holding
	// open lots past their expiry with credit remaining, sorted ascending so
	// concurrent sweepers lock users in the same order. An empty userID scans
	// across users.
	ListUsersWithOverdueLots(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]string, error)
	// ListOverdueLotsForUpdate claims open lots past their expiry, any source,
	// skipping rows locked by concurrent sweepers. Callers must hold the
	// owning user's row lock first. An empty userID sweeps across users.
	ListOverdueLotsForUpdate(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]Lot, error)
	// CloseLot zeroes and closes a single lot.
	CloseLot(ctx context.Context, lotID string, nowUnixUTC int64) error
	// ApplyLotDebits decrements lot remainders as one set-based mutation.
	ApplyLotDebits(ctx context.Context, debits []LotDebit) error
	// SumOpenLotRemaining computes the balance rule: sum of remaining over
	// open, unexpired lots.
	SumOpenLotRemaining(ctx context.Context, userID string, nowUnixUTC int64) (int64, error)

	// InsertTransaction appends an immutable audit row.
	InsertTransaction(ctx context.Context, transaction CreditTransaction) error
	// ListTransactions lists audit rows before a cutoff, newest first.
	ListTransactions(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error)
}
