package ledger

import "github.com/shopspring/decimal"

// Delta returns the signed balance change of one entry against a ledger of
// the given kind.
//
// Receivable, payable and payroll ledgers grow on credit and shrink on
// debit. The expense ledger is the mirror image: an expense (debit) grows
// the total and a refund (credit) shrinks it. Unknown kinds fall back to
// the receivable convention.
func Delta(kind Kind, entry EntryType, amount decimal.Decimal) decimal.Decimal {
	switch kind {
	case KindExpense:
		if entry == Debit {
			return amount
		}
		return amount.Neg()
	case KindReceivable, KindPayable, KindPayroll:
		fallthrough
	default:
		if entry == Credit {
			return amount
		}
		return amount.Neg()
	}
}

// Totals holds the kind-specific running totals of a ledger. Only the two
// fields belonging to the ledger's kind are ever non-zero.
type Totals struct {
	Receivables decimal.Decimal `json:"totalReceivables,omitzero"`
	Income      decimal.Decimal `json:"totalIncome,omitzero"`
	Payables    decimal.Decimal `json:"totalPayables,omitzero"`
	Payments    decimal.Decimal `json:"totalPayments,omitzero"`
	Credited    decimal.Decimal `json:"totalCredited,omitzero"`
	Debited     decimal.Decimal `json:"totalDebited,omitzero"`
	Expenses    decimal.Decimal `json:"totalExpenses,omitzero"`
	Refunds     decimal.Decimal `json:"totalRefunds,omitzero"`
}

// field selects the total an entry of the given kind contributes to.
func (t *Totals) field(kind Kind, entry EntryType) *decimal.Decimal {
	switch kind {
	case KindPayable:
		if entry == Credit {
			return &t.Payables
		}
		return &t.Payments
	case KindPayroll:
		if entry == Credit {
			return &t.Credited
		}
		return &t.Debited
	case KindExpense:
		if entry == Debit {
			return &t.Expenses
		}
		return &t.Refunds
	case KindReceivable:
		fallthrough
	default:
		if entry == Credit {
			return &t.Receivables
		}
		return &t.Income
	}
}

// Add folds a signed amount into the total selected by kind and entry.
func (t *Totals) Add(kind Kind, entry EntryType, signed decimal.Decimal) {
	f := t.field(kind, entry)
	*f = f.Add(signed)
}

// Get returns the total selected by kind and entry.
func (t Totals) Get(kind Kind, entry EntryType) decimal.Decimal {
	return *t.field(kind, entry)
}
