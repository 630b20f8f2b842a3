package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prismgen/creditledger/pkg/creditledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	defaultMetadataJSON   = "{}"

	dialectPostgres = "postgres"

	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectLot         = "lot"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeCreate         = "create"
	errorCodeInsert         = "insert"
	errorCodeUpdate         = "update"
	errorCodeSum            = "sum"
	errorCodeInvalid        = "invalid"
	errorCodeDuplicate      = "duplicate"
	errorCodeClaim          = "claim"

	// Portable replacement for NULLS LAST: a null expiry sorts after
	// every concrete one on both PostgreSQL and SQLite.
	consumptionOrder = "expires_at IS NULL, expires_at ASC, created_at ASC"
)

// Store implements creditledger.Store using GORM. Row-level locking clauses
// are emitted only on PostgreSQL; SQLite serializes writers on its own and
// rejects FOR UPDATE syntax.
type Store struct {
	db       *gorm.DB
	rowLocks bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, rowLocks: db.Dialector.Name() == dialectPostgres}
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &CreditLot{}, &CreditReservation{}, &CreditTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore creditledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, rowLocks: store.rowLocks})
	})
}

func (store *Store) LockUser(ctx context.Context, userID string) (creditledger.UserAccount, error) {
	query := store.db.WithContext(ctx)
	if store.rowLocks {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var user User
	err := query.Where("id = ?", userID).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditledger.UserAccount{}, wrapStoreError(errorSubjectUser, errorCodeGet, creditledger.ErrUserNotFound)
		}
		return creditledger.UserAccount{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return creditledger.UserAccount{UserID: user.UserID, Credits: user.Credits}, nil
}

func (store *Store) GetUser(ctx context.Context, userID string) (creditledger.UserAccount, error) {
	var user User
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditledger.UserAccount{}, wrapStoreError(errorSubjectUser, errorCodeGet, creditledger.ErrUserNotFound)
		}
		return creditledger.UserAccount{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return creditledger.UserAccount{UserID: user.UserID, Credits: user.Credits}, nil
}

func (store *Store) GetUsers(ctx context.Context, userIDs []string) ([]creditledger.UserAccount, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var users []User
	err := store.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	accounts := make([]creditledger.UserAccount, 0, len(users))
	for _, user := range users {
		accounts = append(accounts, creditledger.UserAccount{UserID: user.UserID, Credits: user.Credits})
	}
	return accounts, nil
}

func (store *Store) UpdateUserCredits(ctx context.Context, userID string, credits int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("credits", credits)
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, creditledger.ErrUserNotFound)
	}
	return nil
}

func (store *Store) SumActiveReservations(ctx context.Context, userID string, nowUnixUTC int64) (int64, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID, creditledger.ReservationStatusReserved.String()).
		Where("(expires_at IS NULL OR expires_at > ?)", at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation creditledger.Reservation) error {
	model := CreditReservation{
		ReservationID: reservation.ReservationID,
		UserID:        reservation.UserID,
		Amount:        reservation.Amount,
		Status:        reservation.Status.String(),
		Description:   stringPointer(reservation.Description),
		SessionRef:    stringPointer(reservation.SessionRef),
		ExpiresAt:     timePointer(reservation.ExpiresAtUnixUTC),
		CreatedAt:     time.Unix(reservation.CreatedAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID string) (creditledger.Reservation, error) {
	query := store.db.WithContext(ctx)
	if store.rowLocks {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditReservation
	err := query.Where("id = ?", reservationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, creditledger.ErrReservationNotFound)
		}
		return creditledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to creditledger.ReservationStatus, atUnixUTC int64) error {
	at := time.Unix(atUnixUTC, 0).UTC()
	updates := map[string]interface{}{"status": to.String()}
	switch to {
	case creditledger.ReservationStatusCaptured:
		updates["captured_at"] = at
	case creditledger.ReservationStatusReleased, creditledger.ReservationStatusExpired:
		updates["released_at"] = at
	}
	result := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Where("id = ? AND status = ?", reservationID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, creditledger.ErrInvalidReservationState)
	}
	return nil
}

func (store *Store) ClaimOverdueReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]creditledger.Reservation, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx)
	if store.rowLocks {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var models []CreditReservation
	err := query.
		Where("status = ?", creditledger.ReservationStatusReserved.String()).
		Where("expires_at IS NOT NULL AND expires_at <= ?", at).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeClaim, err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(models))
	for _, model := range models {
		ids = append(ids, model.ReservationID)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Where("id IN ? AND status = ?", ids, creditledger.ReservationStatusReserved.String()).
		Updates(map[string]interface{}{"status": creditledger.ReservationStatusExpired.String(), "released_at": at})
	if result.Error != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeClaim, result.Error)
	}
	claimed := make([]creditledger.Reservation, 0, len(models))
	for _, model := range models {
		reservation, err := mapReservation(model)
		if err != nil {
			return nil, err
		}
		reservation.Status = creditledger.ReservationStatusExpired
		reservation.ReleasedUnixUTC = nowUnixUTC
		claimed = append(claimed, reservation)
	}
	return claimed, nil
}

func (store *Store) InsertLot(ctx context.Context, lot creditledger.Lot) (string, error) {
	model := CreditLot{
		LotID:      lot.LotID,
		UserID:     lot.UserID,
		Source:     lot.Source.String(),
		PlanKey:    stringPointer(lot.PlanKey),
		CycleStart: timePointer(lot.CycleStartUnixUTC),
		Amount:     lot.Amount,
		Remaining:  lot.Remaining,
		ExpiresAt:  timePointer(lot.ExpiresAtUnixUTC),
		CreatedAt:  time.Unix(lot.CreatedAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return "", wrapStoreError(errorSubjectLot, errorCodeDuplicate, creditledger.ErrCycleLotExists)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectLot, errorCodeInsert, err)
	}
	return model.LotID, nil
}

func (store *Store) FindSubscriptionLot(ctx context.Context, userID string, cycleStartUnixUTC int64) (creditledger.Lot, bool, error) {
	cycleStart := time.Unix(cycleStartUnixUTC, 0).UTC()
	var model CreditLot
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND source = ? AND cycle_start = ?", userID, creditledger.LotSourceSubscription.String(), cycleStart).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditledger.Lot{}, false, nil
	}
	if err != nil {
		return creditledger.Lot{}, false, wrapStoreError(errorSubjectLot, errorCodeGet, err)
	}
	lot, err := mapLot(model)
	if err != nil {
		return creditledger.Lot{}, false, err
	}
	return lot, true, nil
}

func (store *Store) ListConsumableLots(ctx context.Context, userID string) ([]creditledger.Lot, error) {
	var models []CreditLot
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining > 0 AND closed_at IS NULL", userID).
		Order(consumptionOrder).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return mapLots(models)
}

func (store *Store) ListActiveLots(ctx context.Context, userID string, nowUnixUTC int64) ([]creditledger.Lot, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var models []CreditLot
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining > 0 AND closed_at IS NULL", userID).
		Where("(expires_at IS NULL OR expires_at > ?)", at).
		Order(consumptionOrder).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return mapLots(models)
}

func (store *Store) ListOpenSubscriptionLotsForUpdate(ctx context.Context, userID string) ([]creditledger.Lot, error) {
	query := store.db.WithContext(ctx)
	if store.rowLocks {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var models []CreditLot
	err := query.
		Where("user_id = ? AND source = ? AND closed_at IS NULL", userID, creditledger.LotSourceSubscription.String()).
		Order(consumptionOrder).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return mapLots(models)
}

func (store *Store) CloseSubscriptionLots(ctx context.Context, userID string, nowUnixUTC int64) error {
	at := time.Unix(nowUnixUTC, 0).UTC()
	err := store.db.WithContext(ctx).
		Model(&CreditLot{}).
		Where("user_id = ? AND source = ? AND closed_at IS NULL", userID, creditledger.LotSourceSubscription.String()).
		Updates(map[string]interface{}{"closed_at": at, "remaining": 0}).Error
	if err != nil {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListUsersWithOverdueLots(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]string, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx).
		Model(&CreditLot{}).
		Distinct("user_id").
		Where("closed_at IS NULL AND remaining > 0").
		Where("expires_at IS NOT NULL AND expires_at <= ?", at)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var users []string
	if err := query.Order("user_id ASC").Pluck("user_id", &users).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return users, nil
}

func (store *Store) ListOverdueLotsForUpdate(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]creditledger.Lot, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx)
	if store.rowLocks {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	query = query.
		Where("closed_at IS NULL AND remaining > 0").
		Where("expires_at IS NOT NULL AND expires_at <= ?", at)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []CreditLot
	if err := query.Order("expires_at ASC").Find(&models).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return mapLots(models)
}

func (store *Store) CloseLot(ctx context.Context, lotID string, nowUnixUTC int64) error {
	at := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&CreditLot{}).
		Where("id = ?", lotID).
		Updates(map[string]interface{}{"closed_at": at, "remaining": 0})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) ApplyLotDebits(ctx context.Context, debits []creditledger.LotDebit) error {
	for _, debit := range debits {
		result := store.db.WithContext(ctx).
			Model(&CreditLot{}).
			Where("id = ? AND remaining >= ?", debit.LotID, debit.Amount).
			Update("remaining", gorm.Expr("remaining - ?", debit.Amount))
		if result.Error != nil {
			return wrapStoreError(errorSubjectLot, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectLot, errorCodeUpdate, creditledger.ErrIntegrityViolation)
		}
	}
	return nil
}

func (store *Store) SumOpenLotRemaining(ctx context.Context, userID string, nowUnixUTC int64) (int64, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditLot{}).
		Select("coalesce(sum(remaining),0) as total").
		Where("user_id = ? AND remaining > 0 AND closed_at IS NULL", userID).
		Where("(expires_at IS NULL OR expires_at > ?)", at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectLot, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction creditledger.CreditTransaction) error {
	model := CreditTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID,
		Description:   transaction.Description,
		Amount:        transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter,
		LotID:         stringPointer(transaction.LotID),
		ReservationID: stringPointer(transaction.ReservationID),
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		ExpiresAt:     timePointer(transaction.ExpiresAtUnixUTC),
		CreatedAt:     time.Unix(transaction.CreatedAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]creditledger.CreditTransaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var models []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]creditledger.CreditTransaction, 0, len(models))
	for _, model := range models {
		transaction, err := mapTransaction(model)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return creditledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapReservation(model CreditReservation) (creditledger.Reservation, error) {
	status, err := creditledger.ParseReservationStatus(model.Status)
	if err != nil {
		return creditledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return creditledger.Reservation{
		ReservationID:    model.ReservationID,
		UserID:           model.UserID,
		Amount:           model.Amount,
		Status:           status,
		Description:      stringOrEmpty(model.Description),
		SessionRef:       stringOrEmpty(model.SessionRef),
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
		CreatedAtUnixUTC: model.CreatedAt.Unix(),
		CapturedUnixUTC:  timeOrZero(model.CapturedAt),
		ReleasedUnixUTC:  timeOrZero(model.ReleasedAt),
	}, nil
}

func mapLot(model CreditLot) (creditledger.Lot, error) {
	source, err := creditledger.ParseLotSource(model.Source)
	if err != nil {
		return creditledger.Lot{}, wrapStoreError(errorSubjectLot, errorCodeInvalid, err)
	}
	return creditledger.Lot{
		LotID:             model.LotID,
		UserID:            model.UserID,
		Source:            source,
		PlanKey:           stringOrEmpty(model.PlanKey),
		Amount:            model.Amount,
		Remaining:         model.Remaining,
		ExpiresAtUnixUTC:  timeOrZero(model.ExpiresAt),
		CycleStartUnixUTC: timeOrZero(model.CycleStart),
		ClosedAtUnixUTC:   timeOrZero(model.ClosedAt),
		CreatedAtUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}

func mapLots(models []CreditLot) ([]creditledger.Lot, error) {
	lots := make([]creditledger.Lot, 0, len(models))
	for _, model := range models {
		lot, err := mapLot(model)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func mapTransaction(model CreditTransaction) (creditledger.CreditTransaction, error) {
	metadata, err := creditledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return creditledger.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return creditledger.CreditTransaction{
		TransactionID:    model.TransactionID,
		UserID:           model.UserID,
		Description:      model.Description,
		Amount:           model.Amount,
		BalanceAfter:     model.BalanceAfter,
		LotID:            stringOrEmpty(model.LotID),
		ReservationID:    stringOrEmpty(model.ReservationID),
		Metadata:         metadata,
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
		CreatedAtUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timePointer(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
