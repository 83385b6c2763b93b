package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSettlementsSQL = `CREATE TABLE IF NOT EXISTS settlements (
        id            BIGSERIAL PRIMARY KEY,
        request_id    TEXT        NOT NULL,
        kind          TEXT        NOT NULL,
        tx_hash       TEXT,
        executor      TEXT        NOT NULL,
        contract      TEXT        NOT NULL,
        users         TEXT[]      NOT NULL DEFAULT '{}',
        gas_limit     BIGINT      NOT NULL DEFAULT 0,
        gas_used      BIGINT,
        block_number  BIGINT,
        max_fee_gwei  NUMERIC     NOT NULL DEFAULT 0,
        status        TEXT        NOT NULL,
        error         TEXT,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS settlements_created_at_idx ON settlements (created_at);`

	insertSettlementSQL = `INSERT INTO settlements (
        request_id,
        kind,
        tx_hash,
        executor,
        contract,
        users,
        gas_limit,
        gas_used,
        block_number,
        max_fee_gwei,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id, created_at;`

	settlementColumns = `
        id,
        request_id,
        kind,
        tx_hash,
        executor,
        contract,
        users,
        gas_limit,
        gas_used,
        block_number,
        max_fee_gwei::TEXT,
        status,
        error,
        created_at`

	listSettlementsBetweenSQL = `SELECT` + settlementColumns + `
    FROM settlements
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	listRecentSettlementsSQL = `SELECT` + settlementColumns + `
    FROM settlements
    WHERE ($2 = '' OR kind = $2)
    ORDER BY created_at DESC
    LIMIT $1;`

	countSettlementsByStatusSQL = `SELECT status, COUNT(*) FROM settlements GROUP BY status;`

	countSettlementsBeforeSQL  = `SELECT COUNT(*) FROM settlements WHERE created_at < $1;`
	deleteSettlementsBeforeSQL = `DELETE FROM settlements WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SettlementRecorder persists settlement outcomes.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, s Settlement) (Settlement, error)
}

// SettlementStore defines read and maintenance operations over the audit log.
type SettlementStore interface {
	SettlementRecorder
	ListSettlementsBetween(ctx context.Context, from, to time.Time) ([]Settlement, error)
	ListRecentSettlements(ctx context.Context, limit int, kind string) ([]Settlement, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountSettlementsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteSettlementsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store wraps the settlement audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the settlements table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSettlementsSQL); err != nil {
		return fmt.Errorf("ensure settlements schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the conn is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordSettlement inserts an audit row and returns it with id and created_at set.
func (s *Store) RecordSettlement(ctx context.Context, rec Settlement) (Settlement, error) {
	pool, err := s.getPool()
	if err != nil {
		return Settlement{}, err
	}

	users := rec.Users
	if users == nil {
		users = []string{}
	}

	row := pool.QueryRow(ctx, insertSettlementSQL,
		rec.RequestID,
		rec.Kind,
		nullableString(rec.TxHash),
		rec.Executor,
		rec.Contract,
		users,
		rec.GasLimit,
		nullableInt(rec.GasUsed),
		nullableInt(rec.BlockNumber),
		rec.MaxFeeGwei.String(),
		rec.Status,
		nullableString(rec.Error),
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return Settlement{}, fmt.Errorf("insert settlement: %w", err)
	}
	return rec, nil
}

// ListSettlementsBetween lists settlements created within [from, to).
func (s *Store) ListSettlementsBetween(ctx context.Context, from, to time.Time) ([]Settlement, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSettlementsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list settlements between: %w", queryErr)
	}
	defer rows.Close()
	return collectSettlements(rows, 0)
}

// ListRecentSettlements lists the newest settlements first. An empty kind
// matches every kind.
func (s *Store) ListRecentSettlements(ctx context.Context, limit int, kind string) ([]Settlement, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSettlementsSQL, limit, kind)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent settlements: %w", queryErr)
	}
	defer rows.Close()
	return collectSettlements(rows, limit)
}

// CountByStatus tallies settlements per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countSettlementsByStatusSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count settlements: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// CountSettlementsBefore counts the rows DeleteSettlementsBefore would remove.
func (s *Store) CountSettlementsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countSettlementsBeforeSQL, olderThan).Scan(&count); err != nil {
		return 0, fmt.Errorf("count settlements before: %w", err)
	}
	return count, nil
}

// DeleteSettlementsBefore prunes old audit rows.
func (s *Store) DeleteSettlementsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSettlementsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete settlements before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectSettlements(rows pgx.Rows, capacity int) ([]Settlement, error) {
	if capacity < 0 {
		capacity = 0
	}
	out := make([]Settlement, 0, capacity)
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSettlement(rows pgx.Rows) (Settlement, error) {
	var (
		rec      Settlement
		txHash   sql.NullString
		gasUsed  sql.NullInt64
		block    sql.NullInt64
		maxFee   string
		errMsg   sql.NullString
		users    []string
		gasLimit int64
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.Kind,
		&txHash,
		&rec.Executor,
		&rec.Contract,
		&users,
		&gasLimit,
		&gasUsed,
		&block,
		&maxFee,
		&rec.Status,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return Settlement{}, err
	}

	fee, err := decimal.NewFromString(maxFee)
	if err != nil {
		return Settlement{}, fmt.Errorf("parse max fee: %w", err)
	}
	rec.MaxFeeGwei = fee
	rec.Users = users
	rec.GasLimit = gasLimit

	if txHash.Valid {
		v := txHash.String
		rec.TxHash = &v
	}
	if gasUsed.Valid {
		v := gasUsed.Int64
		rec.GasUsed = &v
	}
	if block.Valid {
		v := block.Int64
		rec.BlockNumber = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.Error = &v
	}
	return rec, nil
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var (
	_ SettlementStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
