/*
ledger.go - Credits ledger service

PURPOSE:
  The Ledger owns every change to a CreditBalance. Each operation runs as
  one store transaction that updates the balance row and appends the
  LedgerEntry describing the change, so the two can never diverge.

CONSUME RULES:
  Generation:   charge = amount, total_generated += 1
  Regeneration: regenerations += 1; if the new count <= FreeRegenerations
                the charge is 0, otherwise charge = amount

  If credits < charge the call fails with InsufficientCreditsError and
  nothing is written, including the regeneration counter.

  The free allowance is counted over the account's whole history.

EXAMPLE FLOW (FreeRegenerations = 2, amount = 30):
  start:          credits=100 regenerations=0
  generate:       credits=70  total_generated=1
  regenerate #1:  credits=70  (free)
  regenerate #2:  credits=70  (free)
  regenerate #3:  credits=40

REFUNDS:
  A failed generation is compensated with a refund entry, never by editing
  the original entry. Counters are not decremented.

SEE ALSO:
  - store.go: TxStore contract
  - coupon/redeem.go: The other writer of CreditBalance
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the credit rules.
type Config struct {
	StartingGrant     int64 // Credits granted when a balance is opened
	FreeRegenerations int64 // Regenerations per account charged at zero
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StartingGrant:     10,
		FreeRegenerations: 2,
	}
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithConfig overrides the credit rules.
func WithConfig(cfg Config) Option {
	return func(l *Ledger) { l.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the credits service.
type Ledger struct {
	store TxStore
	cfg   Config
	now   func() time.Time
	newID func() string
	log   logrus.FieldLogger
}

// New creates a ledger over store.
func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		cfg:   DefaultConfig(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the active credit rules.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Open returns the account's balance, creating it with the starting grant
// on first use. created reports whether this call created the row.
func (l *Ledger) Open(ctx context.Context, acct Account) (*CreditBalance, bool, error) {
	if acct.ID == "" {
		return nil, false, InvalidArgument("account id is required")
	}

	var (
		out     *CreditBalance
		created bool
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetBalance(ctx, acct.ID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := l.now()
		b := CreditBalance{
			AccountID: acct.ID,
			Email:     acct.Email,
			Credits:   l.cfg.StartingGrant,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.InsertBalance(ctx, b); err != nil {
			return err
		}
		if b.Credits > 0 {
			entry := LedgerEntry{
				ID:             l.newID(),
				AccountID:      acct.ID,
				Kind:           EntryGrant,
				Delta:          b.Credits,
				BalanceAfter:   b.Credits,
				Reason:         "starting grant",
				IdempotencyKey: "grant:" + string(acct.ID),
				CreatedAt:      now,
			}
			if err := s.AppendEntry(ctx, entry); err != nil {
				return err
			}
		}
		out = &b
		created = true
		return nil
	})
	if errors.Is(err, ErrAccountExists) {
		// A concurrent Open created the row first.
		b, err := l.store.GetBalance(ctx, acct.ID)
		return b, false, err
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		l.log.WithFields(logrus.Fields{
			"account": acct.ID,
			"credits": out.Credits,
		}).Info("opened credit balance")
	}
	return out, created, nil
}

// Balance returns the balance row. ErrNotFound means the account has never
// opened a balance; callers treat that as the zero state.
func (l *Ledger) Balance(ctx context.Context, id AccountID) (*CreditBalance, error) {
	if id == "" {
		return nil, InvalidArgument("account id is required")
	}
	return l.store.GetBalance(ctx, id)
}

// ConsumeRequest describes one debit.
type ConsumeRequest struct {
	AccountID      AccountID
	Amount         int64 // Base charge before the free-regeneration rule
	Regeneration   bool
	IdempotencyKey string // Optional; a reused key fails with ErrDuplicateRequest
	Reason         string
}

// Consume debits the account per the consume rules. The check and the
// decrement happen in one store transaction.
func (l *Ledger) Consume(ctx context.Context, req ConsumeRequest) (*Receipt, error) {
	kind := EntryGeneration
	if req.Regeneration {
		kind = EntryRegeneration
	}

	receipt, err := l.consume(ctx, kind, req)

	var charged int64
	if receipt != nil {
		charged = receipt.Charged
	}
	metrics.RecordConsume(string(kind), ErrorCode(err), charged)

	if err != nil {
		l.log.WithFields(logrus.Fields{
			"account": req.AccountID,
			"kind":    kind,
			"amount":  req.Amount,
		}).WithError(err).Debug("consume rejected")
		return nil, err
	}
	return receipt, nil
}

func (l *Ledger) consume(ctx context.Context, kind EntryKind, req ConsumeRequest) (*Receipt, error) {
	if req.AccountID == "" {
		return nil, InvalidArgument("account id is required")
	}
	if req.Amount <= 0 {
		return nil, InvalidArgument("amount must be positive, got %d", req.Amount)
	}

	var receipt *Receipt
	err := l.store.WithTx(ctx, func(s Store) error {
		current, err := s.GetBalance(ctx, req.AccountID)
		if err != nil {
			return err
		}

		next := *current
		charge := req.Amount
		var regeneration int64
		if req.Regeneration {
			regeneration = current.Regenerations + 1
			if regeneration <= l.cfg.FreeRegenerations {
				charge = 0
			}
			next.Regenerations = regeneration
		} else {
			next.TotalGenerated++
		}

		if current.Credits < charge {
			return &InsufficientCreditsError{
				AccountID: req.AccountID,
				Available: current.Credits,
				Requested: charge,
			}
		}

		now := l.now()
		next.Credits -= charge
		next.UpdatedAt = now
		if err := s.UpdateBalance(ctx, next); err != nil {
			return err
		}

		entry := LedgerEntry{
			ID:             l.newID(),
			AccountID:      req.AccountID,
			Kind:           kind,
			Delta:          -charge,
			BalanceAfter:   next.Credits,
			Reason:         req.Reason,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}

		receipt = &Receipt{
			EntryID:            entry.ID,
			AccountID:          req.AccountID,
			Charged:            charge,
			Regeneration:       req.Regeneration,
			RegenerationNumber: regeneration,
			Free:               charge == 0,
			Balance:            next,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Refund returns the credits charged by a receipt. Each receipt can be
// refunded once; a second call fails with ErrDuplicateRequest. Receipts
// that charged nothing are a no-op.
func (l *Ledger) Refund(ctx context.Context, r Receipt, reason string) (*CreditBalance, error) {
	if r.Charged <= 0 {
		return l.store.GetBalance(ctx, r.AccountID)
	}

	var out *CreditBalance
	err := l.store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBalance(ctx, r.AccountID)
		if err != nil {
			return err
		}

		now := l.now()
		b.Credits += r.Charged
		b.UpdatedAt = now
		if err := s.UpdateBalance(ctx, *b); err != nil {
			return err
		}

		entry := LedgerEntry{
			ID:             l.newID(),
			AccountID:      r.AccountID,
			Kind:           EntryRefund,
			Delta:          r.Charged,
			BalanceAfter:   b.Credits,
			ReferenceID:    r.EntryID,
			Reason:         reason,
			IdempotencyKey: "refund:" + r.EntryID,
			CreatedAt:      now,
		}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"account":  r.AccountID,
		"credits":  r.Charged,
		"entry_id": r.EntryID,
	}).Info("refunded credits")
	return out, nil
}

// History returns the account's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, id AccountID, limit int) ([]LedgerEntry, error) {
	if id == "" {
		return nil, InvalidArgument("account id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return l.store.ListEntries(ctx, id, limit)
}
