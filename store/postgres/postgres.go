/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  The multi-instance store. Several server processes may share one
  database; correctness comes from row locks, not from process mutexes.

LOCKING:
  Inside WithTx, GetBalance, GetCoupon and GetCouponByCode read with
  SELECT ... FOR UPDATE. Concurrent consumers of one account therefore
  queue on the balance row, and concurrent redeemers of one coupon queue
  on the coupon row. Reads outside WithTx take no locks.

ERROR MAPPING:
  23505 unique_violation  -> per-method sentinel (ErrAccountExists,
                             ErrDuplicateCode, ErrAlreadyRedeemed,
                             ErrDuplicateRequest)
  class 08, 40001, 40P01,
  57P01, net.Error,
  driver.ErrBadConn,
  context deadline        -> ErrTransientStore

SEE ALSO:
  - store/sqlite: Single-instance implementation with the same schema
*/
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dressup/tryon-engine/ledger"
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements ledger.TxStore on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ ledger.TxStore = (*Store)(nil)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", classify(err))
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return New(db), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrations returns the schema statements in execution order.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			credits BIGINT NOT NULL CHECK (credits >= 0),
			total_generated BIGINT NOT NULL DEFAULT 0 CHECK (total_generated >= 0),
			regenerations BIGINT NOT NULL DEFAULT 0 CHECK (regenerations >= 0),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			delta BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reference_id TEXT,
			reason TEXT,
			idempotency_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
			ON ledger_entries (user_id, created_at DESC, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS coupons (
			id UUID PRIMARY KEY,
			code TEXT NOT NULL,
			credits BIGINT NOT NULL CHECK (credits > 0),
			usage_limit BIGINT NOT NULL CHECK (usage_limit > 0),
			usage_count BIGINT NOT NULL DEFAULT 0
				CHECK (usage_count >= 0 AND usage_count <= usage_limit),
			expiry_date TIMESTAMPTZ,
			description TEXT,
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_coupons_code ON coupons (UPPER(code))`,
		// No foreign key on coupon_id: redemptions outlive their coupon.
		`CREATE TABLE IF NOT EXISTS coupon_redemptions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			coupon_id UUID NOT NULL,
			code TEXT NOT NULL,
			credits_added BIGINT NOT NULL,
			redeemed_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_redemption
			ON coupon_redemptions (user_id, coupon_id)`,
	}
}

// Migrate applies Migrations. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, classify(err))
		}
	}
	return nil
}

// WithTx runs fn in a transaction whose reads lock the rows they return.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(queries{q: tx, lock: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *Store) pool() queries { return queries{q: s.db} }

func (s *Store) GetBalance(ctx context.Context, id ledger.AccountID) (*ledger.CreditBalance, error) {
	return s.pool().GetBalance(ctx, id)
}

func (s *Store) InsertBalance(ctx context.Context, b ledger.CreditBalance) error {
	return s.pool().InsertBalance(ctx, b)
}

func (s *Store) UpdateBalance(ctx context.Context, b ledger.CreditBalance) error {
	return s.pool().UpdateBalance(ctx, b)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return s.pool().AppendEntry(ctx, e)
}

func (s *Store) ListEntries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	return s.pool().ListEntries(ctx, id, limit)
}

func (s *Store) GetCoupon(ctx context.Context, id string) (*ledger.Coupon, error) {
	return s.pool().GetCoupon(ctx, id)
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*ledger.Coupon, error) {
	return s.pool().GetCouponByCode(ctx, code)
}

func (s *Store) ListCoupons(ctx context.Context) ([]ledger.Coupon, error) {
	return s.pool().ListCoupons(ctx)
}

func (s *Store) InsertCoupon(ctx context.Context, c ledger.Coupon) error {
	return s.pool().InsertCoupon(ctx, c)
}

func (s *Store) UpdateCouponUsage(ctx context.Context, id string, usageCount int64) error {
	return s.pool().UpdateCouponUsage(ctx, id, usageCount)
}

func (s *Store) DeleteCoupon(ctx context.Context, id string) error {
	return s.pool().DeleteCoupon(ctx, id)
}

func (s *Store) FindRedemption(ctx context.Context, accountID ledger.AccountID, couponID string) (*ledger.CouponRedemption, error) {
	return s.pool().FindRedemption(ctx, accountID, couponID)
}

func (s *Store) InsertRedemption(ctx context.Context, r ledger.CouponRedemption) error {
	return s.pool().InsertRedemption(ctx, r)
}

func (s *Store) ListRedemptions(ctx context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	return s.pool().ListRedemptions(ctx, accountID)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queries struct {
	q    querier
	lock bool
}

func (qs queries) forUpdate(query string) string {
	if qs.lock {
		return query + ` FOR UPDATE`
	}
	return query
}

const balanceSelect = `SELECT user_id, email, credits, total_generated, regenerations, created_at, updated_at
	FROM credit_balances WHERE user_id = $1`

func (qs queries) GetBalance(ctx context.Context, id ledger.AccountID) (*ledger.CreditBalance, error) {
	var b ledger.CreditBalance
	err := qs.q.GetContext(ctx, &b, qs.forUpdate(balanceSelect), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get balance: %w", err))
	}
	return &b, nil
}

func (qs queries) InsertBalance(ctx context.Context, b ledger.CreditBalance) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO credit_balances
		(user_id, email, credits, total_generated, regenerations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.AccountID, b.Email, b.Credits, b.TotalGenerated, b.Regenerations, b.CreatedAt, b.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrAccountExists
	}
	if err != nil {
		return classify(fmt.Errorf("failed to insert balance: %w", err))
	}
	return nil
}

func (qs queries) UpdateBalance(ctx context.Context, b ledger.CreditBalance) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE credit_balances
		SET credits = $1, total_generated = $2, regenerations = $3, updated_at = $4
		WHERE user_id = $5`,
		b.Credits, b.TotalGenerated, b.Regenerations, b.UpdatedAt, b.AccountID)
	if err != nil {
		return classify(fmt.Errorf("failed to update balance: %w", err))
	}
	return requireRow(res)
}

func (qs queries) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, kind, delta, balance_after, reference_id, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.ID, e.AccountID, e.Kind, e.Delta, e.BalanceAfter,
		e.ReferenceID, e.Reason, e.IdempotencyKey, e.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateRequest
	}
	if err != nil {
		return classify(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

func (qs queries) ListEntries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	var entries []ledger.LedgerEntry
	err := qs.q.SelectContext(ctx, &entries, `
		SELECT id, user_id, kind, delta, balance_after,
			COALESCE(reference_id, '') AS reference_id,
			COALESCE(reason, '') AS reason,
			COALESCE(idempotency_key, '') AS idempotency_key,
			created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, id, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list ledger entries: %w", err))
	}
	return entries, nil
}

const couponSelect = `SELECT id, code, credits, usage_limit, usage_count, expiry_date,
	COALESCE(description, '') AS description,
	COALESCE(created_by, '') AS created_by,
	created_at
	FROM coupons`

func (qs queries) GetCoupon(ctx context.Context, id string) (*ledger.Coupon, error) {
	if uuid.Validate(id) != nil {
		return nil, ledger.ErrNotFound
	}
	return qs.getCoupon(ctx, couponSelect+` WHERE id = $1`, id)
}

func (qs queries) GetCouponByCode(ctx context.Context, code string) (*ledger.Coupon, error) {
	return qs.getCoupon(ctx, couponSelect+` WHERE UPPER(code) = $1`, ledger.NormalizeCode(code))
}

func (qs queries) getCoupon(ctx context.Context, query string, arg any) (*ledger.Coupon, error) {
	var c ledger.Coupon
	err := qs.q.GetContext(ctx, &c, qs.forUpdate(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get coupon: %w", err))
	}
	return &c, nil
}

func (qs queries) ListCoupons(ctx context.Context) ([]ledger.Coupon, error) {
	var coupons []ledger.Coupon
	err := qs.q.SelectContext(ctx, &coupons, couponSelect+` ORDER BY created_at DESC, code ASC`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list coupons: %w", err))
	}
	return coupons, nil
}

func (qs queries) InsertCoupon(ctx context.Context, c ledger.Coupon) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO coupons
		(id, code, credits, usage_limit, usage_count, expiry_date, description, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`,
		c.ID, ledger.NormalizeCode(c.Code), c.Credits, c.UsageLimit, c.UsageCount,
		c.ExpiresAt, c.Description, c.CreatedBy, c.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateCode
	}
	if err != nil {
		return classify(fmt.Errorf("failed to insert coupon: %w", err))
	}
	return nil
}

func (qs queries) UpdateCouponUsage(ctx context.Context, id string, usageCount int64) error {
	res, err := qs.q.ExecContext(ctx, `UPDATE coupons SET usage_count = $1 WHERE id = $2`, usageCount, id)
	if err != nil {
		return classify(fmt.Errorf("failed to update coupon usage: %w", err))
	}
	return requireRow(res)
}

func (qs queries) DeleteCoupon(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return ledger.ErrNotFound
	}
	res, err := qs.q.ExecContext(ctx, `DELETE FROM coupons WHERE id = $1`, id)
	if err != nil {
		return classify(fmt.Errorf("failed to delete coupon: %w", err))
	}
	return requireRow(res)
}

const redemptionSelect = `SELECT id, user_id, coupon_id, code, credits_added, redeemed_at FROM coupon_redemptions`

func (qs queries) FindRedemption(ctx context.Context, accountID ledger.AccountID, couponID string) (*ledger.CouponRedemption, error) {
	var r ledger.CouponRedemption
	err := qs.q.GetContext(ctx, &r, redemptionSelect+` WHERE user_id = $1 AND coupon_id = $2`, accountID, couponID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get redemption: %w", err))
	}
	return &r, nil
}

func (qs queries) InsertRedemption(ctx context.Context, r ledger.CouponRedemption) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO coupon_redemptions (id, user_id, coupon_id, code, credits_added, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.AccountID, r.CouponID, r.Code, r.CreditsAdded, r.RedeemedAt)
	if isUniqueViolation(err) {
		return ledger.ErrAlreadyRedeemed
	}
	if err != nil {
		return classify(fmt.Errorf("failed to insert redemption: %w", err))
	}
	return nil
}

func (qs queries) ListRedemptions(ctx context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	var out []ledger.CouponRedemption
	err := qs.q.SelectContext(ctx, &out,
		redemptionSelect+` WHERE user_id = $1 ORDER BY redeemed_at DESC, seq DESC`, accountID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list redemptions: %w", err))
	}
	return out, nil
}

func (qs queries) Ping(ctx context.Context) error {
	var one int
	return classify(qs.q.GetContext(ctx, &one, `SELECT 1`))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// classify wraps connection loss, timeouts, and lock conflicts with
// ledger.ErrTransientStore.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if strings.HasPrefix(code, "08") || code == "40001" || code == "40P01" || code == "57P01" {
			return ledger.Transient(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return ledger.Transient(err)
	}
	return err
}
