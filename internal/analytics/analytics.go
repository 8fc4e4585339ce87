// Package analytics maintains the additive per-organization counters derived
// from the transaction log.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"haulledger.org/internal/ledger"
)

// DailyRetention is the number of most recent daily keys kept in a document.
const DailyRetention = 90

const uncategorized = "uncategorized"

// Aggregator folds transactions into analytics documents.
type Aggregator struct {
	store ledger.Store
	now   func() time.Time
}

// New returns an Aggregator writing through store.
func New(store ledger.Store) *Aggregator {
	return &Aggregator{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Record applies t to its organization's document in its own atomic unit. It
// folds only when the ledger account still has the update queued and
// dequeues it in the same unit, so a redelivered event folds at most once.
func (a *Aggregator) Record(ctx context.Context, t ledger.Transaction, action ledger.Action) error {
	key := KeyFor(t)
	return a.store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		acct, found, err := tx.Account(ctx, t.AccountKey())
		if err != nil {
			return err
		}
		if !found || !acct.TakePending(t.ID, action) {
			return nil
		}
		doc, found, err := tx.Analytics(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			doc = ledger.NewAnalytics(key)
		}
		Fold(&doc, t, action)
		doc.UpdatedAt = a.now()
		if err := tx.PutAnalytics(ctx, doc); err != nil {
			return err
		}
		return tx.PutAccount(ctx, acct)
	})
}

// KeyFor returns the document t contributes to.
func KeyFor(t ledger.Transaction) ledger.AnalyticsKey {
	return ledger.AnalyticsKey{OrganizationID: t.OrganizationID, FinancialYear: t.FinancialYear}
}

// Build derives a document from scratch.
func Build(key ledger.AnalyticsKey, txs []ledger.Transaction, now time.Time) ledger.AnalyticsDocument {
	doc := ledger.NewAnalytics(key)
	for _, t := range txs {
		Fold(&doc, t, ledger.ActionApply)
	}
	doc.UpdatedAt = now
	return doc
}

// Fold adds (or, on reverse, subtracts) t to doc and prunes the daily series.
func Fold(doc *ledger.AnalyticsDocument, t ledger.Transaction, action ledger.Action) {
	ensureMaps(doc)
	signed := action.Signed(t.Amount)

	tot := &doc.Totals
	switch t.Kind {
	case ledger.KindPayable:
		if t.Entry == ledger.Credit {
			tot.Payables = tot.Payables.Add(signed)
		} else {
			tot.Payments = tot.Payments.Add(signed)
		}
	case ledger.KindPayroll:
		if t.Entry == ledger.Credit {
			tot.PayrollCredited = tot.PayrollCredited.Add(signed)
		} else {
			tot.PayrollDebited = tot.PayrollDebited.Add(signed)
		}
	case ledger.KindExpense:
		if t.Entry == ledger.Debit {
			tot.Expenses = tot.Expenses.Add(signed)
		} else {
			tot.Refunds = tot.Refunds.Add(signed)
		}
	case ledger.KindReceivable:
		fallthrough
	default:
		// a receivable debit is money received: realized income
		if t.Entry == ledger.Credit {
			tot.Receivables = tot.Receivables.Add(signed)
			doc.ReceivableAging.Current = doc.ReceivableAging.Current.Add(signed)
		} else {
			tot.Income = tot.Income.Add(signed)
		}
	}
	tot.TransactionCount += int64(action)

	day := ledger.DayKey(t.Date)
	if _, kept := doc.Daily[day]; kept || action == ledger.ActionApply {
		// reversing a day that was already pruned would leave a negative stub
		addSeries(doc.Daily, day, t.Entry, signed, action)
	}
	addSeries(doc.Weekly, ledger.WeekKey(t.Date), t.Entry, signed, action)
	addSeries(doc.Monthly, ledger.MonthKey(t.Date), t.Entry, signed, action)

	category := t.Category
	if category == "" {
		category = uncategorized
	}
	addAmount(doc.ByCategory, category, signed)
	addAmount(doc.ByType, t.Kind.String()+"."+t.Entry.String(), signed)
	if ch := t.PaymentAccount.Channel(); ch != "" {
		addAmount(doc.ByPaymentChannel, ch, signed)
	}

	PruneDaily(doc, DailyRetention)
}

func ensureMaps(doc *ledger.AnalyticsDocument) {
	if doc.Daily == nil {
		doc.Daily = map[string]ledger.Series{}
	}
	if doc.Weekly == nil {
		doc.Weekly = map[string]ledger.Series{}
	}
	if doc.Monthly == nil {
		doc.Monthly = map[string]ledger.Series{}
	}
	if doc.ByCategory == nil {
		doc.ByCategory = map[string]decimal.Decimal{}
	}
	if doc.ByType == nil {
		doc.ByType = map[string]decimal.Decimal{}
	}
	if doc.ByPaymentChannel == nil {
		doc.ByPaymentChannel = map[string]decimal.Decimal{}
	}
}

func addSeries(m map[string]ledger.Series, key string, entry ledger.EntryType, signed decimal.Decimal, action ledger.Action) {
	s := m[key]
	if entry == ledger.Credit {
		s.Credit = s.Credit.Add(signed)
	} else {
		s.Debit = s.Debit.Add(signed)
	}
	s.Count += int64(action)
	if s.Zero() {
		delete(m, key)
		return
	}
	m[key] = s
}

func addAmount(m map[string]decimal.Decimal, key string, signed decimal.Decimal) {
	v := m[key].Add(signed)
	if v.IsZero() {
		delete(m, key)
		return
	}
	m[key] = v
}

// PruneDaily keeps only the newest keep keys of the daily series.
func PruneDaily(doc *ledger.AnalyticsDocument, keep int) {
	if len(doc.Daily) <= keep {
		return
	}
	keys := make([]string, 0, len(doc.Daily))
	for k := range doc.Daily {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[:len(keys)-keep] {
		delete(doc.Daily, k)
	}
}
