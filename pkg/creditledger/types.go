package creditledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive operation amount in whole credits.
type CreditAmount int64

// UserID identifies a credit account owner.
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// LotID identifies a credit lot.
type LotID struct {
	value string
}

// LotSource distinguishes how a lot was granted.
type LotSource string

const (
	LotSourceOneOff       LotSource = "one_off"
	LotSourceSubscription LotSource = "subscription"
)

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewLotID validates and normalizes a lot id.
func NewLotID(raw string) (LotID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LotID{}, fmt.Errorf("%w: empty value", ErrInvalidLotID)
	}
	return LotID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id LotID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// MetadataJSON stores arbitrary request metadata alongside an audit row.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ParseLotSource validates a stored lot source.
func ParseLotSource(raw string) (LotSource, error) {
	switch LotSource(raw) {
	case LotSourceOneOff, LotSourceSubscription:
		return LotSource(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLotSource, raw)
}

// String returns the stored representation.
func (source LotSource) String() string {
	return string(source)
}

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusReserved, ReservationStatusCaptured, ReservationStatusReleased, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// Terminal reports whether no further transition out of the status is allowed.
func (status ReservationStatus) Terminal() bool {
	return status == ReservationStatusCaptured || status == ReservationStatusReleased
}

// Lot is a discrete, separately expiring grant of credit.
// Amount is immutable; Remaining only ever decreases.
type Lot struct {
	LotID             string
	UserID            string
	Source            LotSource
	PlanKey           string
	Amount            int64
	Remaining         int64
	ExpiresAtUnixUTC  int64
	CycleStartUnixUTC int64
	ClosedAtUnixUTC   int64
	CreatedAtUnixUTC  int64
}

// Expired reports whether the lot's own expiry has elapsed.
// A lot with no expiry never expires.
func (lot Lot) Expired(nowUnixUTC int64) bool {
	return lot.ExpiresAtUnixUTC != 0 && lot.ExpiresAtUnixUTC <= nowUnixUTC
}

// CountsTowardBalance reports whether the lot participates in the cached
// balance: open and not past its expiry. Expiry applies uniformly to every
// source; the lot sweep is authoritative for closing overdue lots.
func (lot Lot) CountsTowardBalance(nowUnixUTC int64) bool {
	return lot.ClosedAtUnixUTC == 0 && !lot.Expired(nowUnixUTC)
}

// Reservation is a time-boxed soft hold against future consumption.
type Reservation struct {
	ReservationID    string
	UserID           string
	Amount           int64
	Status           ReservationStatus
	Description      string
	SessionRef       string
	ExpiresAtUnixUTC int64
	CreatedAtUnixUTC int64
	CapturedUnixUTC  int64
	ReleasedUnixUTC  int64
}

// TTLElapsed reports whether the reservation's hold window has passed.
func (reservation Reservation) TTLElapsed(nowUnixUTC int64) bool {
	return reservation.ExpiresAtUnixUTC != 0 && reservation.ExpiresAtUnixUTC <= nowUnixUTC
}

// CreditTransaction is a single immutable audit entry. Amount is signed;
// BalanceAfter snapshots the true post-mutation balance so each row can be
// replayed independently.
type CreditTransaction struct {
	TransactionID    string
	UserID           string
	Description      string
	Amount           int64
	BalanceAfter     int64
	LotID            string
	ReservationID    string
	Metadata         MetadataJSON
	ExpiresAtUnixUTC int64
	CreatedAtUnixUTC int64
}

// UserAccount is the users row backing the cached balance.
type UserAccount struct {
	UserID  string
	Credits int64
}

// Balance is the availability view for one user.
type Balance struct {
	Balance   int64
	Reserved  int64
	Available int64
}

// CreditSummary extends Balance with the active lots in consumption order.
type CreditSummary struct {
	Balance   int64
	Reserved  int64
	Available int64
	Lots      []Lot
}

// ReserveResult is returned by a successful Reserve.
type ReserveResult struct {
	ReservationID    string
	ExpiresAtUnixUTC int64
}

// GrantResult is returned by AddCredits.
type GrantResult struct {
	LotID   string
	Balance int64
}

// CycleGrantResult is returned by AddSubscriptionCredits.
type CycleGrantResult struct {
	Balance    int64
	LotID      string
	LotCreated bool
}

// LotDebit is one lot decrement inside a consumption plan.
type LotDebit struct {
	LotID            string
	Amount           int64
	NewRemaining     int64
	BalanceAfter     int64
	ExpiresAtUnixUTC int64
}
