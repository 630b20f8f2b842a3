package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prismgen/creditledger/pkg/creditledger"
)

const (
	constraintCycleLot      = "idx_lots_cycle"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectLot         = "lot"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeClaim          = "claim"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"

	sqlSelectUserForUpdate = `
		select id, credits from users where id = $1 for update
	`

	sqlSelectUser = `
		select id, credits from users where id = $1
	`

	sqlSelectUsers = `
		select id, credits from users where id = any($1)
	`

	sqlUpdateUserCredits = `
		update users set credits = $2 where id = $1
	`

	sqlSumActiveReservations = `
		select coalesce(sum(amount),0) from credit_reservations
		where user_id = $1 and status = 'reserved'
		and (expires_at is null or expires_at > to_timestamp($2))
	`

	sqlInsertReservation = `
		insert into credit_reservations(
			id, user_id, amount, status, description, session_ref, expires_at, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''), nullif($6,''),
			to_timestamp(nullif($7,0)),
			to_timestamp($8)
		)
	`

	reservationColumns = `
		id,
		user_id,
		amount,
		status,
		coalesce(description,''),
		coalesce(session_ref,''),
		coalesce(extract(epoch from expires_at)::bigint,0),
		extract(epoch from created_at)::bigint,
		coalesce(extract(epoch from captured_at)::bigint,0),
		coalesce(extract(epoch from released_at)::bigint,0)
	`

	sqlSelectReservationForUpdate = `
		select ` + reservationColumns + `
		from credit_reservations
		where id = $1
		for update
	`

	sqlUpdateReservationStatus = `
		update credit_reservations
		set status = $3,
			captured_at = case when $3 = 'captured' then to_timestamp($4) else captured_at end,
			released_at = case when $3 in ('released','expired') then to_timestamp($4) else released_at end
		where id = $1 and status = $2
	`

	sqlClaimOverdueReservations = `
		with overdue as (
			select id from credit_reservations
			where status = 'reserved'
			and expires_at is not null and expires_at <= to_timestamp($1)
			order by expires_at asc
			limit $2
			for update skip locked
		)
		update credit_reservations as reservation
		set status = 'expired', released_at = to_timestamp($1)
		from overdue
		where reservation.id = overdue.id
		returning
			reservation.id,
			reservation.user_id,
			reservation.amount,
			reservation.status,
			coalesce(reservation.description,''),
			coalesce(reservation.session_ref,''),
			coalesce(extract(epoch from reservation.expires_at)::bigint,0),
			extract(epoch from reservation.created_at)::bigint,
			coalesce(extract(epoch from reservation.captured_at)::bigint,0),
			coalesce(extract(epoch from reservation.released_at)::bigint,0)
	`

	sqlInsertLot = `
		insert into credit_lots(
			id, user_id, source, plan_key, cycle_start, amount, remaining, expires_at, created_at
		)
		values(
			coalesce(nullif($1,''), gen_random_uuid()::text),
			$2, $3,
			nullif($4,''),
			to_timestamp(nullif($5,0)),
			$6, $7,
			to_timestamp(nullif($8,0)),
			to_timestamp($9)
		)
		returning id
	`

	lotColumns = `
		id,
		user_id,
		source,
		coalesce(plan_key,''),
		amount,
		remaining,
		coalesce(extract(epoch from expires_at)::bigint,0),
		coalesce(extract(epoch from cycle_start)::bigint,0),
		coalesce(extract(epoch from closed_at)::bigint,0),
		extract(epoch from created_at)::bigint
	`

	sqlSelectSubscriptionLot = `
		select ` + lotColumns + `
		from credit_lots
		where user_id = $1 and source = 'subscription' and cycle_start = to_timestamp($2)
	`

	sqlListConsumableLots = `
		select ` + lotColumns + `
		from credit_lots
		where user_id = $1 and remaining > 0 and closed_at is null
		order by expires_at asc nulls last, created_at asc
	`

	sqlListActiveLots = `
		select ` + lotColumns + `
		from credit_lots
		where user_id = $1 and remaining > 0 and closed_at is null
		and (expires_at is null or expires_at > to_timestamp($2))
		order by expires_at asc nulls last, created_at asc
	`

	sqlListOpenSubscriptionLotsForUpdate = `
		select ` + lotColumns + `
		from credit_lots
		where user_id = $1 and source = 'subscription' and closed_at is null
		order by expires_at asc nulls last, created_at asc
		for update
	`

	sqlCloseSubscriptionLots = `
		update credit_lots
		set closed_at = to_timestamp($2), remaining = 0
		where user_id = $1 and source = 'subscription' and closed_at is null
	`

	sqlListUsersWithOverdueLots = `
		select distinct user_id
		from credit_lots
		where closed_at is null and remaining > 0
		and expires_at is not null and expires_at <= to_timestamp($1)
		and ($2 = '' or user_id = $2)
		order by user_id asc
		limit nullif($3, 0)
	`

	sqlListOverdueLotsForUpdate = `
		select ` + lotColumns + `
		from credit_lots
		where closed_at is null and remaining > 0
		and expires_at is not null and expires_at <= to_timestamp($1)
		and ($2 = '' or user_id = $2)
		order by expires_at asc
		limit nullif($3, 0)
		for update skip locked
	`

	sqlCloseLot = `
		update credit_lots
		set closed_at = to_timestamp($2), remaining = 0
		where id = $1
	`

	sqlApplyLotDebits = `
		update credit_lots as lot
		set remaining = lot.remaining - debit.amount
		from (select unnest($1::text[]) as id, unnest($2::bigint[]) as amount) as debit
		where lot.id = debit.id and lot.remaining >= debit.amount
	`

	sqlSumOpenLotRemaining = `
		select coalesce(sum(remaining),0) from credit_lots
		where user_id = $1 and remaining > 0 and closed_at is null
		and (expires_at is null or expires_at > to_timestamp($2))
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			id, user_id, description, amount, balance_after, lot_id, reservation_id, metadata, expires_at, created_at
		)
		values(
			coalesce(nullif($1,''), gen_random_uuid()::text),
			$2, $3, $4, $5,
			nullif($6,''), nullif($7,''),
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp(nullif($9,0)),
			to_timestamp($10)
		)
	`

	sqlListTransactionsBefore = `
		select
			id,
			user_id,
			description,
			amount,
			balance_after,
			coalesce(lot_id,''),
			coalesce(reservation_id,''),
			coalesce(metadata::text,'{}'),
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1 and ($2 = 0 or created_at < to_timestamp($2))
		order by created_at desc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements creditledger.Store using a pgx connection pool (autocommit).
type Store struct {
	session
	pool *pgxpool.Pool
}

// TxStore implements creditledger.Store for an active transaction.
type TxStore struct {
	session
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{session: session{runner: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore creditledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, fmt.Errorf("%w: %v", creditledger.ErrTransientStore, err))
	}
	transactionStore := &TxStore{session: session{runner: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, fmt.Errorf("%w: %v", creditledger.ErrTransientStore, err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore creditledger.Store) error) error {
	return fn(ctx, store)
}

// session carries every query against either the pool or an open transaction.
type session struct {
	runner querier
}

func (session session) LockUser(ctx context.Context, userID string) (creditledger.UserAccount, error) {
	return session.selectUser(ctx, sqlSelectUserForUpdate, userID)
}

func (session session) GetUser(ctx context.Context, userID string) (creditledger.UserAccount, error) {
	return session.selectUser(ctx, sqlSelectUser, userID)
}

func (session session) selectUser(ctx context.Context, query string, userID string) (creditledger.UserAccount, error) {
	var account creditledger.UserAccount
	err := session.runner.QueryRow(ctx, query, userID).Scan(&account.UserID, &account.Credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return creditledger.UserAccount{}, wrapStoreError(errorSubjectUser, errorCodeGet, creditledger.ErrUserNotFound)
		}
		return creditledger.UserAccount{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return account, nil
}

func (session session) GetUsers(ctx context.Context, userIDs []string) ([]creditledger.UserAccount, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := session.runner.Query(ctx, sqlSelectUsers, userIDs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]creditledger.UserAccount, 0, len(userIDs))
	for rows.Next() {
		var account creditledger.UserAccount
		if err := rows.Scan(&account.UserID, &account.Credits); err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	return accounts, nil
}

func (session session) UpdateUserCredits(ctx context.Context, userID string, credits int64) error {
	tag, err := session.runner.Exec(ctx, sqlUpdateUserCredits, userID, credits)
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, creditledger.ErrUserNotFound)
	}
	return nil
}

func (session session) SumActiveReservations(ctx context.Context, userID string, nowUnixUTC int64) (int64, error) {
	var sum int64
	err := session.runner.QueryRow(ctx, sqlSumActiveReservations, userID, nowUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeSum, err)
	}
	return sum, nil
}

func (session session) CreateReservation(ctx context.Context, reservation creditledger.Reservation) error {
	_, err := session.runner.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID,
		reservation.UserID,
		reservation.Amount,
		reservation.Status.String(),
		reservation.Description,
		reservation.SessionRef,
		reservation.ExpiresAtUnixUTC,
		reservation.CreatedAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (session session) GetReservationForUpdate(ctx context.Context, reservationID string) (creditledger.Reservation, error) {
	row := session.runner.QueryRow(ctx, sqlSelectReservationForUpdate, reservationID)
	reservation, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return creditledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, creditledger.ErrReservationNotFound)
		}
		return creditledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (session session) UpdateReservationStatus(ctx context.Context, reservationID string, from, to creditledger.ReservationStatus, atUnixUTC int64) error {
	tag, err := session.runner.Exec(ctx, sqlUpdateReservationStatus, reservationID, from.String(), to.String(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, creditledger.ErrInvalidReservationState)
	}
	return nil
}

func (session session) ClaimOverdueReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]creditledger.Reservation, error) {
	rows, err := session.runner.Query(ctx, sqlClaimOverdueReservations, nowUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeClaim, err)
	}
	defer rows.Close()
	reservations := make([]creditledger.Reservation, 0, limit)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeClaim, err)
	}
	return reservations, nil
}

func (session session) InsertLot(ctx context.Context, lot creditledger.Lot) (string, error) {
	var lotID string
	err := session.runner.QueryRow(ctx, sqlInsertLot,
		lot.LotID,
		lot.UserID,
		lot.Source.String(),
		lot.PlanKey,
		lot.CycleStartUnixUTC,
		lot.Amount,
		lot.Remaining,
		lot.ExpiresAtUnixUTC,
		lot.CreatedAtUnixUTC,
	).Scan(&lotID)
	if isCycleConflict(err) {
		return "", wrapStoreError(errorSubjectLot, errorCodeDuplicate, creditledger.ErrCycleLotExists)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectLot, errorCodeInsert, err)
	}
	return lotID, nil
}

func (session session) FindSubscriptionLot(ctx context.Context, userID string, cycleStartUnixUTC int64) (creditledger.Lot, bool, error) {
	row := session.runner.QueryRow(ctx, sqlSelectSubscriptionLot, userID, cycleStartUnixUTC)
	lot, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return creditledger.Lot{}, false, nil
		}
		return creditledger.Lot{}, false, wrapStoreError(errorSubjectLot, errorCodeGet, err)
	}
	return lot, true, nil
}

func (session session) ListConsumableLots(ctx context.Context, userID string) ([]creditledger.Lot, error) {
	return session.listLots(ctx, sqlListConsumableLots, userID)
}

func (session session) ListActiveLots(ctx context.Context, userID string, nowUnixUTC int64) ([]creditledger.Lot, error) {
	return session.listLots(ctx, sqlListActiveLots, userID, nowUnixUTC)
}

func (session session) ListOpenSubscriptionLotsForUpdate(ctx context.Context, userID string) ([]creditledger.Lot, error) {
	return session.listLots(ctx, sqlListOpenSubscriptionLotsForUpdate, userID)
}

func (session session) listLots(ctx context.Context, query string, args ...any) ([]creditledger.Lot, error) {
	rows, err := session.runner.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	defer rows.Close()
	lots := make([]creditledger.Lot, 0, 8)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLot, errorCodeInvalid, err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return lots, nil
}

func (session session) CloseSubscriptionLots(ctx context.Context, userID string, nowUnixUTC int64) error {
	_, err := session.runner.Exec(ctx, sqlCloseSubscriptionLots, userID, nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, err)
	}
	return nil
}

func (session session) ListUsersWithOverdueLots(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]string, error) {
	rows, err := session.runner.Query(ctx, sqlListUsersWithOverdueLots, nowUnixUTC, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLot, errorCodeList, err)
	}
	return users, nil
}

func (session session) ListOverdueLotsForUpdate(ctx context.Context, userID string, nowUnixUTC int64, limit int) ([]creditledger.Lot, error) {
	return session.listLots(ctx, sqlListOverdueLotsForUpdate, nowUnixUTC, userID, limit)
}

func (session session) CloseLot(ctx context.Context, lotID string, nowUnixUTC int64) error {
	tag, err := session.runner.Exec(ctx, sqlCloseLot, lotID, nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, pgx.ErrNoRows)
	}
	return nil
}

func (session session) ApplyLotDebits(ctx context.Context, debits []creditledger.LotDebit) error {
	if len(debits) == 0 {
		return nil
	}
	lotIDs := make([]string, 0, len(debits))
	amounts := make([]int64, 0, len(debits))
	for _, debit := range debits {
		lotIDs = append(lotIDs, debit.LotID)
		amounts = append(amounts, debit.Amount)
	}
	tag, err := session.runner.Exec(ctx, sqlApplyLotDebits, lotIDs, amounts)
	if err != nil {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, err)
	}
	if tag.RowsAffected() != int64(len(debits)) {
		return wrapStoreError(errorSubjectLot, errorCodeUpdate, creditledger.ErrIntegrityViolation)
	}
	return nil
}

func (session session) SumOpenLotRemaining(ctx context.Context, userID string, nowUnixUTC int64) (int64, error) {
	var sum int64
	err := session.runner.QueryRow(ctx, sqlSumOpenLotRemaining, userID, nowUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectLot, errorCodeSum, err)
	}
	return sum, nil
}

func (session session) InsertTransaction(ctx context.Context, transaction creditledger.CreditTransaction) error {
	_, err := session.runner.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID,
		transaction.Description,
		transaction.Amount,
		transaction.BalanceAfter,
		transaction.LotID,
		transaction.ReservationID,
		transaction.Metadata.String(),
		transaction.ExpiresAtUnixUTC,
		transaction.CreatedAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (session session) ListTransactions(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]creditledger.CreditTransaction, error) {
	rows, err := session.runner.Query(ctx, sqlListTransactionsBefore, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]creditledger.CreditTransaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func scanReservation(row pgx.Row) (creditledger.Reservation, error) {
	var (
		reservation creditledger.Reservation
		statusValue string
	)
	err := row.Scan(
		&reservation.ReservationID,
		&reservation.UserID,
		&reservation.Amount,
		&statusValue,
		&reservation.Description,
		&reservation.SessionRef,
		&reservation.ExpiresAtUnixUTC,
		&reservation.CreatedAtUnixUTC,
		&reservation.CapturedUnixUTC,
		&reservation.ReleasedUnixUTC,
	)
	if err != nil {
		return creditledger.Reservation{}, err
	}
	status, err := creditledger.ParseReservationStatus(statusValue)
	if err != nil {
		return creditledger.Reservation{}, err
	}
	reservation.Status = status
	return reservation, nil
}

func scanLot(row pgx.Row) (creditledger.Lot, error) {
	var (
		lot         creditledger.Lot
		sourceValue string
	)
	err := row.Scan(
		&lot.LotID,
		&lot.UserID,
		&sourceValue,
		&lot.PlanKey,
		&lot.Amount,
		&lot.Remaining,
		&lot.ExpiresAtUnixUTC,
		&lot.CycleStartUnixUTC,
		&lot.ClosedAtUnixUTC,
		&lot.CreatedAtUnixUTC,
	)
	if err != nil {
		return creditledger.Lot{}, err
	}
	source, err := creditledger.ParseLotSource(sourceValue)
	if err != nil {
		return creditledger.Lot{}, err
	}
	lot.Source = source
	return lot, nil
}

func scanTransaction(row pgx.Row) (creditledger.CreditTransaction, error) {
	var (
		transaction   creditledger.CreditTransaction
		metadataValue string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.UserID,
		&transaction.Description,
		&transaction.Amount,
		&transaction.BalanceAfter,
		&transaction.LotID,
		&transaction.ReservationID,
		&metadataValue,
		&transaction.ExpiresAtUnixUTC,
		&transaction.CreatedAtUnixUTC,
	)
	if err != nil {
		return creditledger.CreditTransaction{}, err
	}
	metadata, err := creditledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return creditledger.CreditTransaction{}, err
	}
	transaction.Metadata = metadata
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return creditledger.WrapError(errorOperationStore, subject, code, err)
}

func isCycleConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintCycleLot
	}
	return false
}
