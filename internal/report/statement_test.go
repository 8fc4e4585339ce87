package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"haulledger.org/internal/ledger"
)

func bucketWith(key ledger.AccountKey, month string, items ...ledger.LineItem) ledger.MonthlyBucket {
	b := ledger.NewBucket(ledger.BucketKey{Account: key, Month: month}, "org-1")
	for _, it := range items {
		b.Upsert(it)
	}
	return b
}

func item(id string, day time.Time, entry ledger.EntryType, amount int64, kind ledger.Kind) ledger.LineItem {
	amt := decimal.NewFromInt(amount)
	return ledger.LineItem{
		TransactionID: id,
		Date:          day,
		Entry:         entry,
		Amount:        amt,
		Delta:         ledger.Delta(kind, entry, amt),
	}
}

func TestStatementRunsBalanceAcrossMonths(t *testing.T) {
	key := ledger.AccountKey{Kind: ledger.KindReceivable, EntityID: "client-7", FinancialYear: "2425"}
	acc := ledger.NewAccount(key, "org-1", decimal.NewFromInt(100))
	acc.CurrentBalance = decimal.NewFromInt(-500)
	acc.TransactionCount = 3

	june := bucketWith(key, "202406",
		item("t2", time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC), ledger.Debit, 1000, ledger.KindReceivable),
		item("t1", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), ledger.Credit, 200, ledger.KindReceivable),
	)
	may := bucketWith(key, "202405",
		item("t0", time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC), ledger.Credit, 200, ledger.KindReceivable),
	)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, acc, []ledger.MonthlyBucket{june, may}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet, "2024-05", "2024-06"}, f.GetSheetList())

	v, err := f.GetCellValue(SummarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, key.ID(), v)

	rows, err := f.GetRows("2024-06")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "t1", rows[1][1])
	assert.Equal(t, "t2", rows[2][1])

	// opening 100, +200 in May, then +200 and -1000 in June
	assert.Equal(t, "500", rows[1][5])
	assert.Equal(t, "-500", rows[2][5])
}

func TestStatementWithoutBuckets(t *testing.T) {
	key := ledger.AccountKey{Kind: ledger.KindExpense, EntityID: "org-1", FinancialYear: "2425"}
	f, err := Statement(ledger.NewAccount(key, "org-1", decimal.Zero), nil)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet}, f.GetSheetList())
	v, err := f.GetCellValue(SummarySheet, "B11")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}
