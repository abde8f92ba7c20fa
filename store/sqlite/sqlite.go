/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists balances, ledger entries, coupons, and redemptions in SQLite.
  Suitable for a single-instance deployment and for tests (":memory:").

KEY TABLES:
  credit_balances:    One row per account (credits + counters)
  ledger_entries:     Immutable log of every balance change
  coupons:            Admin-managed redeemable codes
  coupon_redemptions: Immutable, one per (user_id, coupon_id)

INDEXES:
  - idx_coupons_code:          Enforces case-insensitive code uniqueness
                               (codes are stored upper-cased)
  - idx_unique_redemption:     Enforces one redemption per account+coupon
  - ledger_entries.idempotency_key UNIQUE: Rejects replayed requests
  - idx_ledger_entries_user:   History queries (hot path)

CONCURRENCY:
  The pool is limited to one connection and WithTx holds the store mutex
  for its whole duration, so read-check-write sequences cannot interleave.
  Statements inside WithTx run on the sql.Tx only.

REFERENTIAL POLICY:
  coupon_redemptions.coupon_id has no foreign key. Deleting a coupon keeps
  its redemption history; the coupon_id then dangles and the row's code
  column still names the coupon.

USAGE:
  store, err := sqlite.New("./data/tryon.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: Multi-instance implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dressup/tryon-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		credits INTEGER NOT NULL CHECK (credits >= 0),
		total_generated INTEGER NOT NULL DEFAULT 0 CHECK (total_generated >= 0),
		regenerations INTEGER NOT NULL DEFAULT 0 CHECK (regenerations >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only: no UPDATE or DELETE is ever issued against this table
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON ledger_entries(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		credits INTEGER NOT NULL CHECK (credits > 0),
		usage_limit INTEGER NOT NULL CHECK (usage_limit > 0),
		usage_count INTEGER NOT NULL DEFAULT 0
			CHECK (usage_count >= 0 AND usage_count <= usage_limit),
		expiry_date TEXT,
		description TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_coupons_code
		ON coupons(code);

	CREATE TABLE IF NOT EXISTS coupon_redemptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		coupon_id TEXT NOT NULL,
		code TEXT NOT NULL,
		credits_added INTEGER NOT NULL,
		redeemed_at TEXT NOT NULL
	);

	-- CRITICAL: at most one redemption per (account, coupon)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_redemption
		ON coupon_redemptions(user_id, coupon_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// STORE (ledger.Store interface)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id ledger.AccountID) (*ledger.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.GetBalance(ctx, id)
}

func (s *Store) InsertBalance(ctx context.Context, b ledger.CreditBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.InsertBalance(ctx, b)
}

func (s *Store) UpdateBalance(ctx context.Context, b ledger.CreditBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.UpdateBalance(ctx, b)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.AppendEntry(ctx, e)
}

func (s *Store) ListEntries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.ListEntries(ctx, id, limit)
}

func (s *Store) GetCoupon(ctx context.Context, id string) (*ledger.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.GetCoupon(ctx, id)
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*ledger.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.GetCouponByCode(ctx, code)
}

func (s *Store) ListCoupons(ctx context.Context) ([]ledger.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.ListCoupons(ctx)
}

func (s *Store) InsertCoupon(ctx context.Context, c ledger.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.InsertCoupon(ctx, c)
}

func (s *Store) UpdateCouponUsage(ctx context.Context, id string, usageCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.UpdateCouponUsage(ctx, id, usageCount)
}

func (s *Store) DeleteCoupon(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.DeleteCoupon(ctx, id)
}

func (s *Store) FindRedemption(ctx context.Context, accountID ledger.AccountID, couponID string) (*ledger.CouponRedemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.FindRedemption(ctx, accountID, couponID)
}

func (s *Store) InsertRedemption(ctx context.Context, r ledger.CouponRedemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{q: s.db}.InsertRedemption(ctx, r)
}

func (s *Store) ListRedemptions(ctx context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{q: s.db}.ListRedemptions(ctx, accountID)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// =============================================================================
// QUERIES - Shared by the pool and by transactions
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q execer
}

const balanceColumns = `user_id, email, credits, total_generated, regenerations, created_at, updated_at`

func (qs queries) GetBalance(ctx context.Context, id ledger.AccountID) (*ledger.CreditBalance, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE user_id = ?`, id)

	var (
		b                    ledger.CreditBalance
		createdAt, updatedAt string
	)
	err := row.Scan(&b.AccountID, &b.Email, &b.Credits, &b.TotalGenerated, &b.Regenerations, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get balance: %w", err))
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (qs queries) InsertBalance(ctx context.Context, b ledger.CreditBalance) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO credit_balances (`+balanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.AccountID, b.Email, b.Credits, b.TotalGenerated, b.Regenerations,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if isUniqueConstraintError(err) {
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
		SET credits = ?, total_generated = ?, regenerations = ?, updated_at = ?
		WHERE user_id = ?`,
		b.Credits, b.TotalGenerated, b.Regenerations, formatTime(b.UpdatedAt), b.AccountID)
	if err != nil {
		return classify(fmt.Errorf("failed to update balance: %w", err))
	}
	return requireRow(res)
}

func (qs queries) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, kind, delta, balance_after, reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Kind, e.Delta, e.BalanceAfter,
		nullString(e.ReferenceID), nullString(e.Reason), nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateRequest
	}
	if err != nil {
		return classify(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

func (qs queries) ListEntries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, user_id, kind, delta, balance_after, reference_id, reason, idempotency_key, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, id, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query ledger entries: %w", err))
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var (
			e                        ledger.LedgerEntry
			reference, reason, idKey sql.NullString
			createdAt                string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Delta, &e.BalanceAfter,
			&reference, &reason, &idKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ReferenceID = reference.String
		e.Reason = reason.String
		e.IdempotencyKey = idKey.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const couponColumns = `id, code, credits, usage_limit, usage_count, expiry_date, description, created_by, created_at`

func (qs queries) GetCoupon(ctx context.Context, id string) (*ledger.Coupon, error) {
	return qs.getCoupon(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = ?`, id)
}

func (qs queries) GetCouponByCode(ctx context.Context, code string) (*ledger.Coupon, error) {
	return qs.getCoupon(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = ?`, ledger.NormalizeCode(code))
}

func (qs queries) getCoupon(ctx context.Context, query string, arg any) (*ledger.Coupon, error) {
	rows, err := qs.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query coupon: %w", err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, classify(err)
		}
		return nil, ledger.ErrNotFound
	}
	c, err := scanCoupon(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (qs queries) ListCoupons(ctx context.Context) ([]ledger.Coupon, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC, code ASC`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list coupons: %w", err))
	}
	defer rows.Close()

	var coupons []ledger.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

func scanCoupon(rows *sql.Rows) (ledger.Coupon, error) {
	var (
		c                       ledger.Coupon
		expiry, desc, createdBy sql.NullString
		createdAt               string
	)
	err := rows.Scan(&c.ID, &c.Code, &c.Credits, &c.UsageLimit, &c.UsageCount,
		&expiry, &desc, &createdBy, &createdAt)
	if err != nil {
		return c, fmt.Errorf("failed to scan coupon: %w", err)
	}
	if expiry.Valid && expiry.String != "" {
		t := parseTime(expiry.String)
		c.ExpiresAt = &t
	}
	c.Description = desc.String
	c.CreatedBy = createdBy.String
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (qs queries) InsertCoupon(ctx context.Context, c ledger.Coupon) error {
	var expiry sql.NullString
	if c.ExpiresAt != nil {
		expiry = sql.NullString{String: formatTime(*c.ExpiresAt), Valid: true}
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, ledger.NormalizeCode(c.Code), c.Credits, c.UsageLimit, c.UsageCount,
		expiry, nullString(c.Description), nullString(c.CreatedBy), formatTime(c.CreatedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateCode
	}
	if err != nil {
		return classify(fmt.Errorf("failed to insert coupon: %w", err))
	}
	return nil
}

func (qs queries) UpdateCouponUsage(ctx context.Context, id string, usageCount int64) error {
	res, err := qs.q.ExecContext(ctx,
		`UPDATE coupons SET usage_count = ? WHERE id = ?`, usageCount, id)
	if err != nil {
		return classify(fmt.Errorf("failed to update coupon usage: %w", err))
	}
	return requireRow(res)
}

func (qs queries) DeleteCoupon(ctx context.Context, id string) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM coupons WHERE id = ?`, id)
	if err != nil {
		return classify(fmt.Errorf("failed to delete coupon: %w", err))
	}
	return requireRow(res)
}

const redemptionColumns = `id, user_id, coupon_id, code, credits_added, redeemed_at`

func (qs queries) FindRedemption(ctx context.Context, accountID ledger.AccountID, couponID string) (*ledger.CouponRedemption, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+redemptionColumns+` FROM coupon_redemptions WHERE user_id = ? AND coupon_id = ?`,
		accountID, couponID)

	var (
		r          ledger.CouponRedemption
		redeemedAt string
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.CouponID, &r.Code, &r.CreditsAdded, &redeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get redemption: %w", err))
	}
	r.RedeemedAt = parseTime(redeemedAt)
	return &r, nil
}

func (qs queries) InsertRedemption(ctx context.Context, r ledger.CouponRedemption) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO coupon_redemptions (`+redemptionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, r.CouponID, r.Code, r.CreditsAdded, formatTime(r.RedeemedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrAlreadyRedeemed
	}
	if err != nil {
		return classify(fmt.Errorf("failed to insert redemption: %w", err))
	}
	return nil
}

func (qs queries) ListRedemptions(ctx context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+redemptionColumns+`
		FROM coupon_redemptions
		WHERE user_id = ?
		ORDER BY redeemed_at DESC, rowid DESC`, accountID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list redemptions: %w", err))
	}
	defer rows.Close()

	var out []ledger.CouponRedemption
	for rows.Next() {
		var (
			r          ledger.CouponRedemption
			redeemedAt string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.CouponID, &r.Code, &r.CreditsAdded, &redeemedAt); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		r.RedeemedAt = parseTime(redeemedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (qs queries) Ping(ctx context.Context) error {
	var one int
	return classify(qs.q.QueryRowContext(ctx, `SELECT 1`).Scan(&one))
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// classify marks lock contention and cancellation as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return ledger.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ledger.Transient(err)
	}
	return err
}
