package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haulledger.org/internal/ledger"
)

func tx(id string, kind ledger.Kind, entry ledger.EntryType, amount int64, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:             id,
		OrganizationID: "org-1",
		EntityID:       "c-1",
		Kind:           kind,
		Entry:          entry,
		Amount:         decimal.NewFromInt(amount),
		Category:       "freight",
		FinancialYear:  ledger.ResolveFinancialYear(at),
		Date:           at,
		PaymentAccount: &ledger.PaymentAccountRef{ID: "acc-1", Type: "upi"},
	}
}

func TestFoldReceivableSplitsIncomeAndReceivables(t *testing.T) {
	at := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	doc := ledger.NewAnalytics(ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "FY2425"})

	Fold(&doc, tx("t1", ledger.KindReceivable, ledger.Credit, 1000, at), ledger.ActionApply)
	Fold(&doc, tx("t2", ledger.KindReceivable, ledger.Debit, 400, at), ledger.ActionApply)

	assert.True(t, doc.Totals.Receivables.Equal(decimal.NewFromInt(1000)))
	assert.True(t, doc.Totals.Income.Equal(decimal.NewFromInt(400)))
	assert.True(t, doc.ReceivableAging.Current.Equal(decimal.NewFromInt(1000)))
	assert.True(t, doc.ReceivableAging.Over90.IsZero())
	assert.EqualValues(t, 2, doc.Totals.TransactionCount)

	day := doc.Daily["2024-06-03"]
	assert.True(t, day.Credit.Equal(decimal.NewFromInt(1000)))
	assert.True(t, day.Debit.Equal(decimal.NewFromInt(400)))
	assert.EqualValues(t, 2, day.Count)
	assert.Contains(t, doc.Weekly, ledger.WeekKey(at))
	assert.Contains(t, doc.Monthly, "202406")
	assert.True(t, doc.ByType["receivable.credit"].Equal(decimal.NewFromInt(1000)))
	assert.True(t, doc.ByPaymentChannel["upi"].Equal(decimal.NewFromInt(1400)))
}

func TestFoldReverseRestoresEmptyDocument(t *testing.T) {
	at := time.Date(2024, 9, 9, 0, 0, 0, 0, time.UTC)
	doc := ledger.NewAnalytics(ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "FY2425"})
	in := []ledger.Transaction{
		tx("t1", ledger.KindExpense, ledger.Debit, 250, at),
		tx("t2", ledger.KindPayroll, ledger.Credit, 900, at),
		tx("t3", ledger.KindPayable, ledger.Debit, 75, at.AddDate(0, 1, 0)),
	}
	for _, x := range in {
		Fold(&doc, x, ledger.ActionApply)
	}
	for _, x := range in {
		Fold(&doc, x, ledger.ActionReverse)
	}
	assert.Empty(t, doc.Daily)
	assert.Empty(t, doc.Weekly)
	assert.Empty(t, doc.Monthly)
	assert.Empty(t, doc.ByCategory)
	assert.Empty(t, doc.ByType)
	assert.Empty(t, doc.ByPaymentChannel)
	assert.True(t, doc.Totals.Expenses.IsZero())
	assert.True(t, doc.Totals.PayrollCredited.IsZero())
	assert.Zero(t, doc.Totals.TransactionCount)
}

func TestDailySeriesKeepsNewestKeys(t *testing.T) {
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	doc := ledger.NewAnalytics(ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "FY2425"})
	for i := 0; i < DailyRetention+10; i++ {
		Fold(&doc, tx(fmt.Sprintf("t%03d", i), ledger.KindReceivable, ledger.Credit, 1, start.AddDate(0, 0, i)), ledger.ActionApply)
	}
	require.Len(t, doc.Daily, DailyRetention)
	assert.NotContains(t, doc.Daily, "2024-04-01")
	assert.Contains(t, doc.Daily, ledger.DayKey(start.AddDate(0, 0, DailyRetention+9)))

	// reversing a pruned day leaves the series untouched
	Fold(&doc, tx("t000", ledger.KindReceivable, ledger.Credit, 1, start), ledger.ActionReverse)
	assert.Len(t, doc.Daily, DailyRetention)
	assert.NotContains(t, doc.Daily, "2024-04-01")
}

// queue books the account side of t the way the ledger unit does.
func queue(t *testing.T, store *ledger.InMemory, txs ...ledger.Transaction) {
	t.Helper()
	var b ledger.Batch
	accounts := map[string]ledger.LedgerAccount{}
	for _, tr := range txs {
		acct, ok := accounts[tr.AccountKey().ID()]
		if !ok {
			acct = ledger.NewAccount(tr.AccountKey(), tr.OrganizationID, decimal.Zero)
		}
		acct.Fold(tr, ledger.ActionApply, nil)
		acct.MarkPending(tr.ID, ledger.ActionApply)
		accounts[tr.AccountKey().ID()] = acct
	}
	for _, acct := range accounts {
		b.PutAccount(acct)
	}
	require.NoError(t, store.Commit(context.Background(), &b))
}

func TestRecordPersistsThroughStore(t *testing.T) {
	store := ledger.NewInMemory()
	agg := New(store)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := tx("t1", ledger.KindReceivable, ledger.Credit, 10, at)
	t2 := tx("t2", ledger.KindReceivable, ledger.Credit, 5, at)
	queue(t, store, t1, t2)

	require.NoError(t, agg.Record(ctx, t1, ledger.ActionApply))
	require.NoError(t, agg.Record(ctx, t2, ledger.ActionApply))

	doc, err := store.GetAnalytics(ctx, ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "FY2425"})
	require.NoError(t, err)
	assert.True(t, doc.Totals.Receivables.Equal(decimal.NewFromInt(15)))
	assert.False(t, doc.UpdatedAt.IsZero())

	built := Build(doc.AnalyticsKey, []ledger.Transaction{t1, t2}, at)
	assert.True(t, built.Totals.Receivables.Equal(doc.Totals.Receivables))
	assert.Equal(t, len(doc.Daily), len(built.Daily))

	acct, err := store.GetAccount(ctx, t1.AccountKey())
	require.NoError(t, err)
	assert.Empty(t, acct.PendingAnalytics)
}

func TestRecordFoldsOnlyOnce(t *testing.T) {
	store := ledger.NewInMemory()
	agg := New(store)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := tx("t1", ledger.KindPayable, ledger.Credit, 70, at)
	queue(t, store, t1)

	require.NoError(t, agg.Record(ctx, t1, ledger.ActionApply))
	require.NoError(t, agg.Record(ctx, t1, ledger.ActionApply))

	doc, err := store.GetAnalytics(ctx, KeyFor(t1))
	require.NoError(t, err)
	assert.True(t, doc.Totals.Payables.Equal(decimal.NewFromInt(70)))
	assert.EqualValues(t, 1, doc.Totals.TransactionCount)
}

func TestRecordWithoutQueuedUpdateIsNoOp(t *testing.T) {
	store := ledger.NewInMemory()
	agg := New(store)
	ctx := context.Background()
	t1 := tx("t1", ledger.KindExpense, ledger.Debit, 9, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, agg.Record(ctx, t1, ledger.ActionApply))
	_, err := store.GetAnalytics(ctx, KeyFor(t1))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
