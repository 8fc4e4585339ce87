// Package report renders ledger statements as xlsx workbooks.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"haulledger.org/internal/ledger"
)

const (
	SummarySheet = "Summary"
	dateLayout   = "2006-01-02"
)

var monthHeader = []any{"Date", "Transaction", "Entry", "Amount", "Delta", "Balance", "Category", "Description"}

// MonthSheet names the sheet of a YYYYMM bucket month.
func MonthSheet(month string) string {
	if len(month) != 6 {
		return month
	}
	return month[:4] + "-" + month[4:]
}

// Statement builds a workbook with a summary sheet and one sheet per month.
// Month balances run forward from the account's opening balance. The caller
// must Close the returned file.
func Statement(acc ledger.LedgerAccount, buckets []ledger.MonthlyBucket) (*excelize.File, error) {
	months := make([]ledger.MonthlyBucket, len(buckets))
	copy(months, buckets)
	sort.Slice(months, func(i, j int) bool { return months[i].Month < months[j].Month })

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeSummary(f, acc, months); err != nil {
		_ = f.Close()
		return nil, err
	}

	running := acc.OpeningBalance
	for _, m := range months {
		var err error
		running, err = writeMonth(f, m, running)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("month %s: %w", m.Month, err)
		}
	}
	return f, nil
}

// Write renders the statement straight to w.
func Write(w io.Writer, acc ledger.LedgerAccount, buckets []ledger.MonthlyBucket) error {
	f, err := Statement(acc, buckets)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func writeSummary(f *excelize.File, acc ledger.LedgerAccount, months []ledger.MonthlyBucket) error {
	var credit, debit decimal.Decimal
	for _, m := range months {
		credit = credit.Add(m.TotalCredit)
		debit = debit.Add(m.TotalDebit)
	}
	rows := [][]any{
		{"Ledger", acc.ID()},
		{"Kind", acc.Kind.String()},
		{"Entity", acc.EntityID},
		{"Organization", acc.OrganizationID},
		{"Financial year", acc.FinancialYear},
		{"Opening balance", acc.OpeningBalance.InexactFloat64()},
		{"Current balance", acc.CurrentBalance.InexactFloat64()},
		{"Transactions", acc.TransactionCount},
		{"Total credit", credit.InexactFloat64()},
		{"Total debit", debit.InexactFloat64()},
		{"Months", len(months)},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeMonth(f *excelize.File, m ledger.MonthlyBucket, running decimal.Decimal) (decimal.Decimal, error) {
	sheet := MonthSheet(m.Month)
	if _, err := f.NewSheet(sheet); err != nil {
		return running, err
	}
	if err := f.SetSheetRow(sheet, "A1", &monthHeader); err != nil {
		return running, err
	}

	m = m.Clone()
	m.SortItems()
	for i, it := range m.Items {
		running = running.Add(it.Delta)
		row := []any{
			it.Date.UTC().Format(dateLayout),
			it.TransactionID,
			it.Entry.String(),
			it.Amount.InexactFloat64(),
			it.Delta.InexactFloat64(),
			running.InexactFloat64(),
			it.Category,
			it.Description,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return running, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return running, err
		}
	}
	return running, nil
}
