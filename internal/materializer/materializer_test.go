package materializer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haulledger.org/internal/ledger"
	"haulledger.org/internal/stream"
)

var may = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func txn(id string, kind ledger.Kind, entry ledger.EntryType, amount int64, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:             id,
		OrganizationID: "org-1",
		EntityID:       "client-c",
		Kind:           kind,
		Entry:          entry,
		Amount:         dec(amount),
		Category:       "X",
		FinancialYear:  "2425",
		Date:           at,
	}
}

type recorder struct{ changes []stream.BalanceChange }

func (r *recorder) Publish(c stream.BalanceChange) { r.changes = append(r.changes, c) }

func newFixture(t *testing.T) (*ledger.InMemory, *Materializer, *recorder) {
	t.Helper()
	store := ledger.NewInMemory()
	pub := &recorder{}
	return store, New(store, WithPublisher(pub)), pub
}

func insert(t *testing.T, store *ledger.InMemory, tx ledger.Transaction) ledger.Transaction {
	t.Helper()
	out, err := store.InsertTransaction(context.Background(), tx)
	require.NoError(t, err)
	return out
}

func TestScenarioReceivableApplyReverse(t *testing.T) {
	store, m, pub := newFixture(t)
	ctx := context.Background()
	key := ledger.AccountKey{Kind: ledger.KindReceivable, EntityID: "client-c", FinancialYear: "2425"}

	credit := insert(t, store, txn("t1", ledger.KindReceivable, ledger.Credit, 1000, may))
	res, err := m.Apply(ctx, credit)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.BalanceAfter.Equal(dec(1000)))
	afterStep1, err := store.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.True(t, afterStep1.Receivables.Equal(dec(1000)))

	debit := insert(t, store, txn("t2", ledger.KindReceivable, ledger.Debit, 400, may.Add(time.Hour)))
	res, err = m.Apply(ctx, debit)
	require.NoError(t, err)
	assert.True(t, res.BalanceBefore.Equal(dec(1000)))
	assert.True(t, res.BalanceAfter.Equal(dec(600)))

	stamped, err := store.GetTransaction(ctx, "t2")
	require.NoError(t, err)
	require.NotNil(t, stamped.BalanceAfter)
	assert.True(t, stamped.BalanceAfter.Equal(dec(600)))

	_, err = store.DeleteTransaction(ctx, "t2")
	require.NoError(t, err)
	res, err = m.Reverse(ctx, debit)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec(1000)))

	final, err := store.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.True(t, final.CurrentBalance.Equal(afterStep1.CurrentBalance))
	assert.True(t, final.Receivables.Equal(afterStep1.Receivables))
	assert.True(t, final.Income.IsZero())
	assert.Equal(t, afterStep1.TransactionCount, final.TransactionCount)
	assert.Equal(t, "t1", final.LastTransaction.TransactionID)

	buckets, err := store.ListBuckets(ctx, ledger.DocFilter{Account: &key})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.EqualValues(t, 1, buckets[0].Count)
	assert.Len(t, pub.changes, 3)
}

func TestScenarioExpenseInvertedSign(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()

	res, err := m.Apply(ctx, insert(t, store, txn("e1", ledger.KindExpense, ledger.Debit, 500, may)))
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec(500)))

	res, err = m.Apply(ctx, insert(t, store, txn("e2", ledger.KindExpense, ledger.Credit, 200, may)))
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec(300)))
	assert.True(t, res.Account.Expenses.Equal(dec(500)))
	assert.True(t, res.Account.Refunds.Equal(dec(200)))
}

func TestOpeningBalanceCarriesPreviousYear(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()

	prev := txn("p1", ledger.KindPayable, ledger.Credit, 750, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	prev.FinancialYear = "2324"
	_, err := m.Apply(ctx, insert(t, store, prev))
	require.NoError(t, err)

	res, err := m.Apply(ctx, insert(t, store, txn("p2", ledger.KindPayable, ledger.Debit, 50, may)))
	require.NoError(t, err)
	assert.True(t, res.Account.OpeningBalance.Equal(dec(750)))
	assert.True(t, res.BalanceBefore.Equal(dec(750)))
	assert.True(t, res.BalanceAfter.Equal(dec(700)))
}

func TestRedeliveryIsNoOp(t *testing.T) {
	store, m, pub := newFixture(t)
	ctx := context.Background()
	tx := insert(t, store, txn("t1", ledger.KindReceivable, ledger.Credit, 100, may))

	_, err := m.Apply(ctx, tx)
	require.NoError(t, err)
	res, err := m.Apply(ctx, tx)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.BalanceAfter.Equal(dec(100)))
	assert.EqualValues(t, 1, res.Account.TransactionCount)

	_, err = m.Reverse(ctx, tx)
	require.NoError(t, err)
	res, err = m.Reverse(ctx, tx)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.BalanceAfter.IsZero())

	doc, err := store.GetAnalytics(ctx, ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "2425"})
	require.NoError(t, err)
	assert.Zero(t, doc.Totals.TransactionCount)
	assert.Len(t, pub.changes, 2)
}

func TestReverseWithoutAccountIsAnomaly(t *testing.T) {
	store, m, pub := newFixture(t)
	ctx := context.Background()

	res, err := m.Reverse(ctx, txn("ghost", ledger.KindPayable, ledger.Credit, 10, may))
	require.NoError(t, err)
	assert.True(t, res.Anomaly)
	assert.True(t, res.BalanceBefore.IsZero())
	assert.True(t, res.BalanceAfter.IsZero())

	accounts, err := store.ListAccounts(ctx, ledger.DocFilter{})
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.Empty(t, pub.changes)
}

func TestAtomicUnitFailureLeavesNoTrace(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	boom := errors.New("bucket write refused")
	store.InjectFault(func(op string) error {
		if op == "PutBucket" {
			return boom
		}
		return nil
	})

	tx := insert(t, store, txn("t1", ledger.KindReceivable, ledger.Credit, 100, may))
	_, err := m.Apply(ctx, tx)
	require.ErrorIs(t, err, boom)

	_, err = store.GetAccount(ctx, tx.AccountKey())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	stored, err := store.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, stored.BalanceAfter)

	store.InjectFault(nil)
	res, err := m.Apply(ctx, tx)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.BalanceAfter.Equal(dec(100)))
}

func TestPayrollCreditMarksAttendance(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	wage := txn("w1", ledger.KindPayroll, ledger.Credit, 800, may)
	wage.EntityID = "emp-1"
	wage.Source = &ledger.SourceRef{Kind: "trip", ID: "T-7"}

	_, err := m.Apply(ctx, insert(t, store, wage))
	require.NoError(t, err)
	list, err := store.ListAttendance(ctx, ledger.DocFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"trip:T-7"}, list[0].Days["2024-05-10"].Sources)

	_, err = m.Reverse(ctx, wage)
	require.NoError(t, err)
	list, err = store.ListAttendance(ctx, ledger.DocFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMirrorsBalanceOntoProfile(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	ref := ledger.EntityRef{Kind: ledger.KindReceivable, EntityID: "client-c"}
	store.PutProfile(ledger.EntityProfile{OrganizationID: "org-1"}, ref)

	_, err := m.Apply(ctx, insert(t, store, txn("t1", ledger.KindReceivable, ledger.Credit, 42, may)))
	require.NoError(t, err)
	p, err := store.Profile(ref)
	require.NoError(t, err)
	assert.True(t, p.CurrentBalance.Equal(dec(42)))
	assert.Equal(t, "2425", p.BalanceFY)
}

func TestBalanceInvariantUnderRandomSequences(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(7))
	key := ledger.AccountKey{Kind: ledger.KindPayroll, EntityID: "client-c", FinancialYear: "2425"}

	live := map[string]ledger.Transaction{}
	for i := 0; i < 200; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			for id, tx := range live {
				_, err := m.Reverse(ctx, tx)
				require.NoError(t, err)
				delete(live, id)
				break
			}
			continue
		}
		entry := ledger.Credit
		if rnd.Intn(2) == 0 {
			entry = ledger.Debit
		}
		at := may.AddDate(0, rnd.Intn(10), rnd.Intn(28))
		tx := txn(fmt.Sprintf("r%03d", i), ledger.KindPayroll, entry, int64(rnd.Intn(5000)+1), at)
		_, err := m.Apply(ctx, tx)
		require.NoError(t, err)
		live[tx.ID] = tx
	}

	acct, err := store.GetAccount(ctx, key)
	require.NoError(t, err)
	want := acct.OpeningBalance
	for _, tx := range live {
		want = want.Add(tx.Delta())
	}
	assert.True(t, acct.CurrentBalance.Equal(want), "balance %s want %s", acct.CurrentBalance, want)
	assert.EqualValues(t, len(live), acct.TransactionCount)

	buckets, err := store.ListBuckets(ctx, ledger.DocFilter{Account: &key})
	require.NoError(t, err)
	var sum int64
	for _, b := range buckets {
		assert.False(t, b.Empty())
		sum += b.Count
	}
	assert.Equal(t, acct.TransactionCount, sum)
}

func TestAnalyticsFailureIsRetriedOnRedelivery(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	boom := errors.New("analytics write refused")
	store.InjectFault(func(op string) error {
		if op == "PutAnalytics" {
			return boom
		}
		return nil
	})

	tx := insert(t, store, txn("t1", ledger.KindReceivable, ledger.Credit, 300, may))
	_, err := m.Apply(ctx, tx)
	require.ErrorIs(t, err, boom)

	acct, err := store.GetAccount(ctx, tx.AccountKey())
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.Equal(dec(300)))
	require.Len(t, acct.PendingAnalytics, 1)

	store.InjectFault(nil)
	res, err := m.Apply(ctx, tx)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	res, err = m.Apply(ctx, tx)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	doc, err := store.GetAnalytics(ctx, ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "2425"})
	require.NoError(t, err)
	assert.True(t, doc.Totals.Receivables.Equal(dec(300)))
	assert.EqualValues(t, 1, doc.Totals.TransactionCount)

	acct, err = store.GetAccount(ctx, tx.AccountKey())
	require.NoError(t, err)
	assert.Empty(t, acct.PendingAnalytics)
}

func TestReverseOfUnrecordedApplySkipsAnalytics(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	store.InjectFault(func(op string) error {
		if op == "PutAnalytics" {
			return errors.New("analytics down")
		}
		return nil
	})

	tx := insert(t, store, txn("t1", ledger.KindPayable, ledger.Credit, 80, may))
	_, err := m.Apply(ctx, tx)
	require.Error(t, err)

	store.InjectFault(nil)
	res, err := m.Reverse(ctx, tx)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.IsZero())
	assert.Empty(t, res.Account.PendingAnalytics)

	_, err = store.GetAnalytics(ctx, ledger.AnalyticsKey{OrganizationID: "org-1", FinancialYear: "2425"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReverseRepairsLastPointerFromEarlierMonth(t *testing.T) {
	store, m, _ := newFixture(t)
	ctx := context.Background()
	key := ledger.AccountKey{Kind: ledger.KindReceivable, EntityID: "client-c", FinancialYear: "2425"}

	t1 := insert(t, store, txn("t1", ledger.KindReceivable, ledger.Credit, 1000, may))
	_, err := m.Apply(ctx, t1)
	require.NoError(t, err)
	before, err := store.GetAccount(ctx, key)
	require.NoError(t, err)

	t2 := insert(t, store, txn("t2", ledger.KindReceivable, ledger.Debit, 200, may.AddDate(0, 1, 0)))
	_, err = m.Apply(ctx, t2)
	require.NoError(t, err)
	_, err = m.Reverse(ctx, t2)
	require.NoError(t, err)

	after, err := store.GetAccount(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, after.LastTransaction)
	assert.Equal(t, "t1", after.LastTransaction.TransactionID)
	assert.True(t, after.LastTransaction.Amount.Equal(before.LastTransaction.Amount))
	assert.Equal(t, before.FirstTransaction.TransactionID, after.FirstTransaction.TransactionID)
	assert.Len(t, after.Months, 1)
	assert.True(t, after.CurrentBalance.Equal(before.CurrentBalance))
}
