package creditledger

import (
	"context"
	"errors"
	"testing"
)

func TestExpireOverdueReservationsFlipsOnlyOverdue(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("sweep-user", 10)
	store.addReservation(Reservation{ReservationID: "stale", UserID: "sweep-user", Amount: 3, Status: ReservationStatusReserved, ExpiresAtUnixUTC: testNow - 100, CreatedAtUnixUTC: testNow - 4000})
	store.addReservation(Reservation{ReservationID: "fresh", UserID: "sweep-user", Amount: 2, Status: ReservationStatusReserved, ExpiresAtUnixUTC: testNow + 600, CreatedAtUnixUTC: testNow - 60})
	store.addReservation(Reservation{ReservationID: "open-ended", UserID: "sweep-user", Amount: 1, Status: ReservationStatusReserved, ExpiresAtUnixUTC: 0, CreatedAtUnixUTC: testNow - 9000})
	service := mustNewService(test, store, fixedClock(testNow))

	expired, err := service.ExpireOverdueReservations(context.Background(), 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ReservationID != "stale" {
		test.Fatalf("expected only the stale hold claimed, got %+v", expired)
	}
	if got := store.mustReservation(test, "stale").Status; got != ReservationStatusExpired {
		test.Fatalf("expected stale flipped to expired, got %s", got)
	}
	if got := store.mustReservation(test, "fresh").Status; got != ReservationStatusReserved {
		test.Fatalf("fresh hold should stay reserved, got %s", got)
	}
	if got := store.mustReservation(test, "open-ended").Status; got != ReservationStatusReserved {
		test.Fatalf("a hold without expiry never times out, got %s", got)
	}
}

func TestExpireOverdueReservationsPublishesPerUser(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("hold-sweep-a", 10)
	store.addUser("hold-sweep-b", 5)
	store.addReservation(Reservation{ReservationID: "a-stale-1", UserID: "hold-sweep-a", Amount: 3, Status: ReservationStatusReserved, ExpiresAtUnixUTC: testNow - 100, CreatedAtUnixUTC: testNow - 4000})
	store.addReservation(Reservation{ReservationID: "a-stale-2", UserID: "hold-sweep-a", Amount: 1, Status: ReservationStatusReserved, ExpiresAtUnixUTC: testNow - 50, CreatedAtUnixUTC: testNow - 4000})
	store.addReservation(Reservation{ReservationID: "a-fresh", UserID: "hold-sweep-a", Amount: 2, Status: ReservationStatusReserved, ExpiresAtUnixUTC: testNow + 600, CreatedAtUnixUTC: testNow - 60})
	store.addReservation(Reservation{ReservationID: "b-stale", UserID: "hold-sweep-b", Amount: 1, Status: ReservationStatusReserved, ExpiresAtUnixUTC: testNow - 10, CreatedAtUnixUTC: testNow - 4000})
	publisher := &recordingPublisher{}
	service := mustNewService(test, store, fixedClock(testNow), WithBalancePublisher(publisher))

	expired, err := service.ExpireOverdueReservations(context.Background(), 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if len(expired) != 3 {
		test.Fatalf("expected 3 holds expired, got %d", len(expired))
	}
	if len(publisher.events) != 2 {
		test.Fatalf("expected one event per affected user, got %+v", publisher.events)
	}
	byUser := make(map[string]BalanceEvent, len(publisher.events))
	for _, event := range publisher.events {
		if event.Event != BalanceEventReleased {
			test.Fatalf("expected released event, got %+v", event)
		}
		byUser[event.UserID] = event
	}
	eventA, ok := byUser["hold-sweep-a"]
	if !ok || eventA.Balance != 10 || eventA.Reserved != 2 || eventA.Available != 8 {
		test.Fatalf("unexpected event for hold-sweep-a: %+v", eventA)
	}
	eventB, ok := byUser["hold-sweep-b"]
	if !ok || eventB.Balance != 5 || eventB.Reserved != 0 || eventB.Available != 5 {
		test.Fatalf("unexpected event for hold-sweep-b: %+v", eventB)
	}
}

func TestExpireOverdueLotsClosesAndRecomputes(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("lot-sweep", 12)
	store.addLot(Lot{LotID: "lot-stale", UserID: "lot-sweep", Source: LotSourceOneOff, Amount: 8, Remaining: 8, ExpiresAtUnixUTC: testNow - 10, CreatedAtUnixUTC: testNow - 86400})
	store.addLot(Lot{LotID: "lot-live", UserID: "lot-sweep", Source: LotSourceOneOff, Amount: 4, Remaining: 4, ExpiresAtUnixUTC: testNow + 86400, CreatedAtUnixUTC: testNow - 100})
	publisher := &recordingPublisher{}
	service := mustNewService(test, store, fixedClock(testNow), WithBalancePublisher(publisher))

	closed, err := service.ExpireOverdueLots(context.Background(), "", 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if closed != 1 {
		test.Fatalf("expected 1 lot closed, got %d", closed)
	}
	if got := store.mustLot(test, "lot-stale"); got.ClosedAtUnixUTC == 0 {
		test.Fatalf("expected stale lot closed")
	}
	if got := store.users["lot-sweep"]; got != 4 {
		test.Fatalf("expected recomputed balance 4, got %d", got)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 audit row, got %d", len(store.transactions))
	}
	row := store.transactions[0]
	if row.Amount != -8 || row.Description != "Expired credits" || row.LotID != "lot-stale" || row.BalanceAfter != 4 {
		test.Fatalf("unexpected audit row: %+v", row)
	}
	if len(publisher.events) != 1 || publisher.events[0].Event != BalanceEventExpired || publisher.events[0].Balance != 4 {
		test.Fatalf("unexpected events: %+v", publisher.events)
	}
}

// lockTrackingStore records every LockUser call so tests can assert the lot
// sweep takes the user row lock before mutating that user's lots or balance.
type lockTrackingStore struct {
	*stubStore
	locked []string
}

func (store *lockTrackingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *lockTrackingStore) LockUser(ctx context.Context, userID string) (UserAccount, error) {
	store.locked = append(store.locked, userID)
	return store.stubStore.LockUser(ctx, userID)
}

func TestExpireOverdueLotsLocksEachTouchedUser(test *testing.T) {
	test.Parallel()
	inner := newStubStore()
	inner.addUser("lot-lock-b", 0)
	inner.addUser("lot-lock-a", 0)
	inner.addLot(Lot{LotID: "lot-b", UserID: "lot-lock-b", Source: LotSourceOneOff, Amount: 3, Remaining: 3, ExpiresAtUnixUTC: testNow - 20, CreatedAtUnixUTC: testNow - 86400})
	inner.addLot(Lot{LotID: "lot-a", UserID: "lot-lock-a", Source: LotSourceOneOff, Amount: 2, Remaining: 2, ExpiresAtUnixUTC: testNow - 10, CreatedAtUnixUTC: testNow - 86400})
	store := &lockTrackingStore{stubStore: inner}
	service := mustNewService(test, store, fixedClock(testNow))

	closed, err := service.ExpireOverdueLots(context.Background(), "", 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if closed != 2 {
		test.Fatalf("expected both lots closed, got %d", closed)
	}
	// Users are locked in sorted order so concurrent sweepers cannot deadlock
	// against each other.
	if len(store.locked) != 2 || store.locked[0] != "lot-lock-a" || store.locked[1] != "lot-lock-b" {
		test.Fatalf("expected sorted user locks before the sweep mutations, got %v", store.locked)
	}
}

func TestExpireOverdueLotsIgnoresDrainedLots(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("drained-user", 0)
	store.addLot(Lot{LotID: "lot-empty", UserID: "drained-user", Source: LotSourceOneOff, Amount: 5, Remaining: 0, ExpiresAtUnixUTC: testNow - 10, CreatedAtUnixUTC: testNow - 86400})
	service := mustNewService(test, store, fixedClock(testNow))

	closed, err := service.ExpireOverdueLots(context.Background(), "", 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if closed != 0 {
		test.Fatalf("a fully consumed lot needs no sweep, got %d closed", closed)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no expiry rows, got %d", len(store.transactions))
	}
}

func TestCaptureExpiredSettlesExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("late-user", 10)
	store.addLot(Lot{LotID: "lot-late-settle", UserID: "late-user", Source: LotSourceOneOff, Amount: 10, Remaining: 10, ExpiresAtUnixUTC: testNow + 86400, CreatedAtUnixUTC: testNow - 100})
	now := testNow
	publisher := &recordingPublisher{}
	service := mustNewService(test, store, func() int64 { return now }, WithBalancePublisher(publisher))

	result, err := service.Reserve(context.Background(), mustUserID(test, "late-user"), mustAmount(test, 6), ReserveOptions{TTLSeconds: 30, Description: "slow render"})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	reservationID := mustReservationIDValue(test, result.ReservationID)
	now = testNow + 120

	// The outcome arrived after the TTL: the normal path refuses and flips
	// the hold to expired.
	err = service.Capture(context.Background(), reservationID, "")
	if !errors.Is(err, ErrReservationExpired) {
		test.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if err := service.CaptureExpired(context.Background(), reservationID, ""); err != nil {
		test.Fatalf("fallback capture: %v", err)
	}
	if got := store.mustLot(test, "lot-late-settle").Remaining; got != 4 {
		test.Fatalf("expected remaining 4 after fallback debit, got %d", got)
	}
	if got := store.mustReservation(test, result.ReservationID).Status; got != ReservationStatusCaptured {
		test.Fatalf("expected captured, got %s", got)
	}
	if store.transactions[0].Description != "slow render" {
		test.Fatalf("expected reservation description carried, got %q", store.transactions[0].Description)
	}

	// Any further settlement attempt observes the terminal status.
	err = service.CaptureExpired(context.Background(), reservationID, "")
	if !errors.Is(err, ErrInvalidReservationState) {
		test.Fatalf("expected ErrInvalidReservationState on replay, got %v", err)
	}
	err = service.Capture(context.Background(), reservationID, "")
	if !errors.Is(err, ErrInvalidReservationState) {
		test.Fatalf("expected ErrInvalidReservationState on late natural capture, got %v", err)
	}
	if got := store.mustLot(test, "lot-late-settle").Remaining; got != 4 {
		test.Fatalf("expected single deduction, remaining %d", got)
	}
	last := publisher.events[len(publisher.events)-1]
	if last.Event != BalanceEventCaptured {
		test.Fatalf("expected captured event from fallback, got %+v", last)
	}
}

func TestCaptureOnSweptHoldReportsExpired(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("swept-user", 10)
	store.addLot(Lot{LotID: "lot-swept", UserID: "swept-user", Source: LotSourceOneOff, Amount: 10, Remaining: 10, ExpiresAtUnixUTC: testNow + 86400, CreatedAtUnixUTC: testNow - 100})
	store.addReservation(Reservation{ReservationID: "hold-swept", UserID: "swept-user", Amount: 3, Status: ReservationStatusExpired, ExpiresAtUnixUTC: testNow - 60, CreatedAtUnixUTC: testNow - 7200})
	service := mustNewService(test, store, fixedClock(testNow))

	err := service.Capture(context.Background(), mustReservationIDValue(test, "hold-swept"), "")
	if !errors.Is(err, ErrReservationExpired) {
		test.Fatalf("expected ErrReservationExpired for a swept hold, got %v", err)
	}
	if err := service.CaptureExpired(context.Background(), mustReservationIDValue(test, "hold-swept"), ""); err != nil {
		test.Fatalf("fallback capture: %v", err)
	}
	if got := store.mustLot(test, "lot-swept").Remaining; got != 7 {
		test.Fatalf("expected fallback to debit, remaining %d", got)
	}
}

func TestCaptureExpiredDrawsFromExpiredOpenLot(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addUser("stale-lot-user", 0)
	// The lot expired after the hold was placed but was never swept, so it is
	// still open and still backs the late settlement. Its remaining does not
	// count toward the live balance anymore.
	store.addLot(Lot{LotID: "lot-open-expired", UserID: "stale-lot-user", Source: LotSourceOneOff, Amount: 10, Remaining: 10, ExpiresAtUnixUTC: testNow - 5, CreatedAtUnixUTC: testNow - 86400})
	store.addReservation(Reservation{ReservationID: "hold-stale-lot", UserID: "stale-lot-user", Amount: 6, Status: ReservationStatusExpired, ExpiresAtUnixUTC: testNow - 60, CreatedAtUnixUTC: testNow - 7200})
	service := mustNewService(test, store, fixedClock(testNow))

	if err := service.CaptureExpired(context.Background(), mustReservationIDValue(test, "hold-stale-lot"), ""); err != nil {
		test.Fatalf("fallback capture: %v", err)
	}
	if got := store.mustLot(test, "lot-open-expired").Remaining; got != 4 {
		test.Fatalf("expected deduction from the expired-but-open lot, remaining %d", got)
	}
	if got := store.users["stale-lot-user"]; got != 0 {
		test.Fatalf("expired lot remaining never enters the balance, got %d", got)
	}
	row := store.transactions[0]
	if row.Amount != -6 || row.BalanceAfter != 0 {
		test.Fatalf("unexpected audit row: %+v", row)
	}
}
