package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the users table; credits is the cached balance, a
// materialized view over the lot table.
type User struct {
	UserID    string    `gorm:"column:id;primaryKey"`
	Credits   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// CreditLot mirrors the credit_lots table. At most one open subscription lot
// may exist per (user_id, cycle_start).
type CreditLot struct {
	LotID      string     `gorm:"column:id;type:uuid;primaryKey"`
	UserID     string     `gorm:"not null;index:idx_lots_user_open,priority:1;index:idx_lots_cycle,unique,priority:1"`
	Source     string     `gorm:"not null;index:idx_lots_cycle,unique,priority:2"`
	PlanKey    *string    `gorm:""`
	CycleStart *time.Time `gorm:"index:idx_lots_cycle,unique,priority:3"`
	Amount     int64      `gorm:"not null"`
	Remaining  int64      `gorm:"not null"`
	ExpiresAt  *time.Time `gorm:"index:idx_lots_user_open,priority:2"`
	ClosedAt   *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null"`
}

func (CreditLot) TableName() string { return "credit_lots" }

func (lot *CreditLot) BeforeCreate(tx *gorm.DB) error {
	if lot.LotID == "" {
		lot.LotID = uuid.NewString()
	}
	return nil
}

// CreditReservation mirrors the credit_reservations table.
type CreditReservation struct {
	ReservationID string     `gorm:"column:id;type:uuid;primaryKey"`
	UserID        string     `gorm:"not null;index:idx_reservations_user_status,priority:1"`
	Amount        int64      `gorm:"not null"`
	Status        string     `gorm:"not null;index:idx_reservations_user_status,priority:2"`
	Description   *string    `gorm:""`
	SessionRef    *string    `gorm:""`
	ExpiresAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"not null"`
	CapturedAt    *time.Time `gorm:""`
	ReleasedAt    *time.Time `gorm:""`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

func (reservation *CreditReservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID string         `gorm:"column:id;type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Description   string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	LotID         *string        `gorm:"index"`
	ReservationID *string        `gorm:"index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	ExpiresAt     *time.Time     `gorm:""`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
