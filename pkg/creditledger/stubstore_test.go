package creditledger

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store. Transactions are a pass-through; every
// mutation is applied immediately, which is fine for single-goroutine tests.
type stubStore struct {
	users        map[string]int64
	lots         []*Lot
	reservations map[string]*Reservation
	transactions []CreditTransaction
}

func newStubStore() *stubStore {
	return &stubStore{
		users:        make(map[string]int64),
		reservations: make(map[string]*Reservation),
	}
}

func (store *stubStore) addUser(userID string, credits int64) {
	store.users[userID] = credits
}

func (store *stubStore) addLot(lot Lot) *Lot {
	stored := lot
	store.lots = append(store.lots, &stored)
	return &stored
}

func (store *stubStore) addReservation(reservation Reservation) *Reservation {
	stored := reservation
	store.reservations[stored.ReservationID] = &stored
	return &stored
}

func (store *stubStore) mustLot(test *testing.T, lotID string) Lot {
	test.Helper()
	for _, lot := range store.lots {
		if lot.LotID == lotID {
			return *lot
		}
	}
	test.Fatalf("lot %s not found", lotID)
	return Lot{}
}

func (store *stubStore) mustReservation(test *testing.T, reservationID string) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID)
	}
	return *reservation
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) LockUser(ctx context.Context, userID string) (UserAccount, error) {
	credits, ok := store.users[userID]
	if !ok {
		return UserAccount{}, ErrUserNotFound
	}
	return UserAccount{UserID: userID, Credits: credits}, nil
}

func (store *stubStore) GetUser(ctx context.Context, userID string) (UserAccount, error) {
	return store.LockUser(ctx, userID)
}

func (store *stubStore) GetUsers(ctx context.Context, userIDs []string) ([]UserAccount, error) {
	accounts := make([]UserAccount, 0, len(userIDs))
	for _, userID := range userIDs {
		if credits, ok := store.users[userID]; ok {
			accounts = append(accounts, UserAccount{UserID: userID, Credits: credits})
		}
	}
	return accounts, nil
}

func (store *stubStore) UpdateUserCredits(ctx context.Context, userID string, credits int64) error {
	if _, ok := store.users[userID]; !ok {
		return ErrUserNotFound
	}
	store.users[userID] = credits
	return nil
}

func (store *stubStore) SumActiveReservations(ctx context.Context, userID string, nowUnixUTC int64) (int64, error) {
	var sum int64
	for _, reservation := range store.reservations {
		if reservation.UserID != userID || reservation.Status != ReservationStatusReserved {
			continue
		}
		if reservation.TTLElapsed(nowUnixUTC) {
			continue
		}
		sum += reservation.Amount
	}
	return sum, nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	store.addReservation(reservation)
	return nil
}

func (store *stubStore) GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error) {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return *reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus, atUnixUTC int64) error {
	reservation, ok := store.reservations[reservationID]
	if !ok || reservation.Status != from {
		return ErrInvalidReservationState
	}
	reservation.Status = to
	switch to {
	case ReservationStatusCaptured:
		reservation.CapturedUnixUTC = atUnixUTC
	case ReservationStatusReleased, ReservationStatusExpired:
		reservation.ReleasedUnixUTC = atUnixUTC
	}
	return nil
}

func (store *stubStore) ClaimOverdueReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error) {
	claimed := make([]Reservation, 0, limit)
	for _, reservation := range store.reservations {
		if len(claimed) >= limit {
			break
		}
		if reservation.Status != ReservationStatusReserved || !reservation.TTLElapsed(nowUnixUTC) {
			continue
		}
		reservation.Status = ReservationStatusExpired
		reservation.ReleasedUnixUTC = nowUnixUTC
		claimed = append(claimed, *reservation)
	}
	return claimed, nil
}

func (store *stubStore) InsertLot(ctx context.Context, lot Lot) (string, error) {
	if lot.Source == LotSourceSubscription && lot.CycleStartUnixUTC != 0 {
		for _, existing := range store.lots {
			if existing.UserID == lot.UserID &&
				existing.Source == LotSourceSubscription &&
				existing.CycleStartUnixUTC == lot.CycleStartUnixUTC {
				return "", ErrCycleLotExists
			}
		}
	}
	store.addLot(lot)
	return lot.LotID, nil
}

func (store *stubStore) FindSubscriptionLot(ctx context.Context, userID string, cycleStartUnixUTC int64) (Lot, bool, error) {
	for _, lot := range store.lots {
		if lot.UserID == userID && lot.Source == LotSourceSubscription && lot.CycleStartUnixUTC == cycleStartUnixUTC {
			return *lot, true, nil
		}
	}
	return Lot{}, false, nil
}

func (store *stubStore) ListConsumableLots(ctx context.Context, userID string) ([]Lot, error) {
	lots := make([]Lot, 0, len(store.lots))
	for _, lot := range store.lots {
		if lot.UserID == userID && lot.Remaining > 0 && lot.ClosedAtUnixUTC == 0 {
			lots = append(lots, *lot)
		}
	}
	sortConsumptionOrder(lots)
	return lots, nil
}

func (store *stubStore) ListActiveLots(ctx context.Context, userID string, nowUnixUTC int64) ([]Lot, error) {
	lots := make([]Lot, 0, len(store.lots))
	for _, lot := range store.lots {
		if lot.UserID == userID && lot.Remaining > 0 && lot.CountsTowardBalance(nowUnixUTC) {
			lots = append(lots, *lot)
		}
	}
	sortConsumptionOrder(lots)
	return lots, nil
}

func (store *stubStore) ListOpenSubscriptionLotsForUpdate(ctx context.Context, userID string) ([]Lot, error) {
	lots := make([]Lot, 0, len(store.lots))
	for _, lot := range store.lots {
		if lot.UserID == userID && lot.Source == LotSourceSubscription && lot.ClosedAtUnixUTC == 0 {
			lots = append(lots, *lot)
		}
	}
	sortConsumptionOrder(lots)
	return lots, nil
}

func (store *stubStore) CloseSubscriptionLots(ctx context.Context, userID string, nowUnixUTC int64) error {
	for _, lot := range store.lots {
		if lot.UserID == userID && lot.Source == LotSourceSubscription && lot.ClosedAtUnixUTC == 0 {
			lot.ClosedAtUnixUTC = nowUnixUTC
			lot.Remaining = 0
		}
	}
	return nil
}

func (store *stubStore) ListUsersWithOverdueLots(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]string, error) {
	var users []string
	seen := make(map[string]bool)
	for _, lot := range store.lots {
		if userID != "" && lot.UserID != userID {
			continue
		}
		if lot.ClosedAtUnixUTC != 0 || lot.Remaining <= 0 || !lot.Expired(nowUnixUTC) {
			continue
		}
		if !seen[lot.UserID] {
			seen[lot.UserID] = true
			users = append(users, lot.UserID)
		}
	}
	sort.Strings(users)
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (store *stubStore) ListOverdueLotsForUpdate(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]Lot, error) {
	lots := make([]Lot, 0, len(store.lots))
	for _, lot := range store.lots {
		if userID != "" && lot.UserID != userID {
			continue
		}
		if lot.ClosedAtUnixUTC != 0 || lot.Remaining <= 0 || !lot.Expired(nowUnixUTC) {
			continue
		}
		lots = append(lots, *lot)
		if limit > 0 && len(lots) >= limit {
			break
		}
	}
	return lots, nil
}

func (store *stubStore) CloseLot(ctx context.Context, lotID string, nowUnixUTC int64) error {
	for _, lot := range store.lots {
		if lot.LotID == lotID {
			lot.ClosedAtUnixUTC = nowUnixUTC
			lot.Remaining = 0
			return nil
		}
	}
	return ErrUserNotFound
}

func (store *stubStore) ApplyLotDebits(ctx context.Context, debits []LotDebit) error {
	for _, debit := range debits {
		applied := false
		for _, lot := range store.lots {
			if lot.LotID != debit.LotID {
				continue
			}
			if lot.Remaining < debit.Amount {
				return ErrIntegrityViolation
			}
			lot.Remaining -= debit.Amount
			applied = true
		}
		if !applied {
			return ErrIntegrityViolation
		}
	}
	return nil
}

func (store *stubStore) SumOpenLotRemaining(ctx context.Context, userID string, nowUnixUTC int64) (int64, error) {
	var sum int64
	for _, lot := range store.lots {
		if lot.UserID == userID && lot.Remaining > 0 && lot.CountsTowardBalance(nowUnixUTC) {
			sum += lot.Remaining
		}
	}
	return sum, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction CreditTransaction) error {
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	matched := make([]CreditTransaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.UserID != userID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedAtUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedAtUnixUTC > matched[right].CreatedAtUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func sortConsumptionOrder(lots []Lot) {
	sort.SliceStable(lots, func(left, right int) bool {
		leftExpiry, rightExpiry := lots[left].ExpiresAtUnixUTC, lots[right].ExpiresAtUnixUTC
		if leftExpiry == 0 && rightExpiry == 0 {
			return lots[left].CreatedAtUnixUTC < lots[right].CreatedAtUnixUTC
		}
		if leftExpiry == 0 {
			return false
		}
		if rightExpiry == 0 {
			return true
		}
		if leftExpiry != rightExpiry {
			return leftExpiry < rightExpiry
		}
		return lots[left].CreatedAtUnixUTC < lots[right].CreatedAtUnixUTC
	})
}

// recordingPublisher captures every balance event for assertions.
type recordingPublisher struct {
	events []BalanceEvent
}

func (publisher *recordingPublisher) PublishBalanceChanged(_ context.Context, event BalanceEvent) {
	publisher.events = append(publisher.events, event)
}

// recordingLogger captures every operation log entry.
type recordingLogger struct {
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store Store, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReservationIDValue(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}
