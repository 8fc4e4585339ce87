// Package materializer turns transaction create/delete events into ledger
// account and monthly bucket state.
package materializer

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"haulledger.org/internal/analytics"
	"haulledger.org/internal/attendance"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/obs"
	"haulledger.org/internal/stream"
)

// Publisher receives every balance movement that was committed.
type Publisher interface {
	Publish(stream.BalanceChange)
}

// Result reports the outcome of one Apply or Reverse.
type Result struct {
	Account       ledger.LedgerAccount `json:"account"`
	BalanceBefore decimal.Decimal      `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal      `json:"balanceAfter"`
	// Created is set when the apply opened the ledger.
	Created bool `json:"created,omitempty"`
	// Duplicate is set for a redelivered event that changed nothing.
	Duplicate bool `json:"duplicate,omitempty"`
	// Anomaly is set for a reverse that found no ledger to reverse against.
	Anomaly bool `json:"anomaly,omitempty"`
}

// Materializer applies and reverses transactions.
type Materializer struct {
	store      ledger.Store
	analytics  *analytics.Aggregator
	attendance *attendance.Recorder
	publisher  Publisher
	now        func() time.Time
}

type Option func(*Materializer)

// WithPublisher streams committed balance changes to p.
func WithPublisher(p Publisher) Option {
	return func(m *Materializer) { m.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) { m.now = now }
}

func New(store ledger.Store, opts ...Option) *Materializer {
	m := &Materializer{
		store:      store,
		analytics:  analytics.New(store),
		attendance: attendance.New(store),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply books a created transaction.
func (m *Materializer) Apply(ctx context.Context, t ledger.Transaction) (Result, error) {
	return m.run(ctx, t, ledger.ActionApply)
}

// Reverse removes the effect of a deleted transaction.
func (m *Materializer) Reverse(ctx context.Context, t ledger.Transaction) (Result, error) {
	return m.run(ctx, t, ledger.ActionReverse)
}

func (m *Materializer) run(ctx context.Context, t ledger.Transaction, action ledger.Action) (res Result, err error) {
	start := time.Now()
	ctx, span := obs.StartSpan(ctx, "materializer."+action.String(),
		attribute.String("transaction.id", t.ID),
		attribute.String("ledger.kind", t.Kind.String()),
	)
	defer func() {
		obs.EndSpan(span, err)
		obs.ObserveEvent(action.String(), t.Kind.String(), outcome(res, err), time.Since(start))
	}()

	t, err = ledger.Prepare(t, m.now())
	if err != nil {
		return Result{}, err
	}

	res, err = m.book(ctx, t, action)
	if err != nil {
		obs.LogError(obs.Logger(), "materializer", action.String(), "atomic unit failed", t.ID, err)
		return Result{}, err
	}

	if !res.Duplicate && !res.Anomaly {
		m.mirror(ctx, res.Account)
		if m.publisher != nil {
			m.publisher.Publish(stream.BalanceChange{
				Account:        res.Account.AccountKey,
				OrganizationID: t.OrganizationID,
				TransactionID:  t.ID,
				Action:         action.String(),
				Before:         res.BalanceBefore,
				After:          res.BalanceAfter,
				Timestamp:      m.now(),
			})
		}
	}
	if res.Anomaly {
		return res, nil
	}

	// Both derived updates are idempotent and also run on redelivery, which
	// completes an earlier attempt that failed after the ledger unit.
	if err = m.analytics.Record(ctx, t, action); err != nil {
		obs.LogError(obs.Logger(), "materializer", action.String(), "analytics update failed", t.ID, err)
		return res, err
	}
	if err = m.attendance.Record(ctx, t, action); err != nil {
		obs.LogError(obs.Logger(), "materializer", action.String(), "attendance update failed", t.ID, err)
		return res, err
	}
	return res, nil
}

// book is the atomic unit over the account, the month bucket and the
// transaction stamp. All reads happen before the first write. The account
// leaves the unit with the analytics update queued on it.
func (m *Materializer) book(ctx context.Context, t ledger.Transaction, action ledger.Action) (Result, error) {
	key := t.AccountKey()
	bkey := t.BucketKey()
	var res Result

	err := m.store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		res = Result{}

		acct, found, err := tx.Account(ctx, key)
		if err != nil {
			return err
		}
		bucket, bucketFound, err := tx.Bucket(ctx, bkey)
		if err != nil {
			return err
		}
		if !bucketFound {
			bucket = ledger.NewBucket(bkey, t.OrganizationID)
		}

		switch action {
		case ledger.ActionApply:
			if found && bucket.Has(t.ID) {
				res = Result{Account: acct, BalanceBefore: acct.CurrentBalance, BalanceAfter: acct.CurrentBalance, Duplicate: true}
				return nil
			}
			if !found {
				acct = ledger.NewAccount(key, t.OrganizationID, ledger.OpeningBalance(ctx, m.store, key))
				res.Created = true
			}
			bucket.Upsert(ledger.ItemFor(t))
		case ledger.ActionReverse:
			if !found {
				obs.Warn("materializer", "Reverse", "reverse without ledger account", logrus.Fields{
					"transactionId": t.ID,
					"account":       key.ID(),
				})
				res = Result{Anomaly: true, BalanceBefore: decimal.Zero, BalanceAfter: decimal.Zero}
				return nil
			}
			if !bucket.Remove(t.ID) {
				res = Result{Account: acct, BalanceBefore: acct.CurrentBalance, BalanceAfter: acct.CurrentBalance, Duplicate: true}
				return nil
			}
		}

		res.BalanceBefore, res.BalanceAfter = acct.Fold(t, action, &bucket)
		acct.MarkPending(t.ID, action)
		now := m.now()
		acct.UpdatedAt = now
		bucket.UpdatedAt = now
		res.Account = acct

		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if bucket.Empty() {
			if bucketFound {
				if err := tx.DeleteBucket(ctx, bkey); err != nil {
					return err
				}
			}
		} else if err := tx.PutBucket(ctx, bucket); err != nil {
			return err
		}
		if action == ledger.ActionApply {
			return tx.StampTransaction(ctx, t.ID, res.BalanceBefore, res.BalanceAfter)
		}
		return nil
	})
	return res, err
}

func (m *Materializer) mirror(ctx context.Context, acct ledger.LedgerAccount) {
	err := m.store.MirrorBalance(ctx, acct.Entity(), acct.FinancialYear, acct.CurrentBalance)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound):
		obs.Warn("materializer", "mirror", "entity profile missing", logrus.Fields{"account": acct.ID()})
	default:
		obs.LogError(obs.Logger(), "materializer", "mirror", "balance mirror failed", acct.ID(), err)
	}
}

func outcome(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Duplicate:
		return "duplicate"
	case res.Anomaly:
		return "anomaly"
	}
	return "ok"
}
