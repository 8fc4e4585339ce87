package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAccount is the materialized running state of one ledger
// (entity, kind, financial year).
//
// Invariant: CurrentBalance == OpeningBalance + Σ Delta(tx) over every
// applied transaction of the ledger.
type LedgerAccount struct {
	AccountKey
	OrganizationID   string          `json:"organizationId"`
	OpeningBalance   decimal.Decimal `json:"openingBalance"`
	CurrentBalance   decimal.Decimal `json:"currentBalance"`
	TransactionCount int64           `json:"transactionCount"`
	CreditCount      int64           `json:"creditCount"`
	DebitCount       int64           `json:"debitCount"`
	Totals
	FirstTransaction *TxPointer `json:"firstTransaction,omitempty"`
	LastTransaction  *TxPointer `json:"lastTransaction,omitempty"`
	// Months indexes the earliest and latest item of every non-empty month
	// bucket, so a reverse can repair the pointers from another month.
	Months map[string]MonthBounds `json:"months,omitempty"`
	// PendingAnalytics lists folds booked here whose analytics update has
	// not been recorded yet.
	PendingAnalytics []PendingFold `json:"pendingAnalytics,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// MonthBounds are the first and last line-items of one month bucket.
type MonthBounds struct {
	First TxPointer `json:"first"`
	Last  TxPointer `json:"last"`
}

// PendingFold is an analytics update owed for one transaction.
type PendingFold struct {
	TransactionID string `json:"transactionId"`
	Action        Action `json:"action"`
}

// TxPointer references a transaction from a ledger summary.
type TxPointer struct {
	TransactionID string          `json:"transactionId"`
	Date          time.Time       `json:"transactionDate"`
	Entry         EntryType       `json:"entryType"`
	Amount        decimal.Decimal `json:"amount"`
}

func pointerTo(t Transaction) *TxPointer {
	return &TxPointer{TransactionID: t.ID, Date: t.Date, Entry: t.Entry, Amount: t.Amount}
}

func pointerToItem(it LineItem) *TxPointer {
	return &TxPointer{TransactionID: it.TransactionID, Date: it.Date, Entry: it.Entry, Amount: it.Amount}
}

// laterThan orders pointers by transaction date, breaking ties on id so the
// result does not depend on event order.
func (p TxPointer) laterThan(o TxPointer) bool {
	if !p.Date.Equal(o.Date) {
		return p.Date.After(o.Date)
	}
	return p.TransactionID > o.TransactionID
}

// NewAccount returns an empty ledger opened at opening.
func NewAccount(key AccountKey, organizationID string, opening decimal.Decimal) LedgerAccount {
	return LedgerAccount{
		AccountKey:     key,
		OrganizationID: organizationID,
		OpeningBalance: opening,
		CurrentBalance: opening,
	}
}

// Fold books t onto the account in the given direction and returns the
// balance before and after. On reverse, month is t's bucket after t has been
// removed from it; the month index and the first/last pointers are rebuilt
// from it.
func (a *LedgerAccount) Fold(t Transaction, action Action, month *MonthlyBucket) (before, after decimal.Decimal) {
	before = a.CurrentBalance
	a.CurrentBalance = a.CurrentBalance.Add(action.Signed(t.Delta()))
	a.Totals.Add(t.Kind, t.Entry, action.Signed(t.Amount))
	a.TransactionCount += int64(action)
	if t.Entry == Credit {
		a.CreditCount += int64(action)
	} else {
		a.DebitCount += int64(action)
	}

	key := MonthKey(t.Date)
	if month != nil {
		key = month.Month
	}
	switch {
	case action == ActionApply:
		p := *pointerTo(t)
		mb, ok := a.Months[key]
		if !ok {
			mb = MonthBounds{First: p, Last: p}
		}
		if p.laterThan(mb.Last) {
			mb.Last = p
		}
		if mb.First.laterThan(p) {
			mb.First = p
		}
		a.setMonth(key, &mb)
	case month != nil:
		if len(month.Items) == 0 {
			a.setMonth(key, nil)
		} else {
			a.setMonth(key, &MonthBounds{
				First: *pointerToItem(month.Items[0]),
				Last:  *pointerToItem(month.Items[len(month.Items)-1]),
			})
		}
	default:
		if mb, ok := a.Months[key]; ok && (mb.First.TransactionID == t.ID || mb.Last.TransactionID == t.ID) {
			a.setMonth(key, nil)
		}
	}
	a.refreshPointers()
	return before, a.CurrentBalance
}

func (a *LedgerAccount) setMonth(key string, mb *MonthBounds) {
	if mb == nil {
		delete(a.Months, key)
		if len(a.Months) == 0 {
			a.Months = nil
		}
		return
	}
	if a.Months == nil {
		a.Months = make(map[string]MonthBounds)
	}
	a.Months[key] = *mb
}

// refreshPointers derives the first/last pointers from the month index.
// Month keys are YYYYMM, so they sort chronologically.
func (a *LedgerAccount) refreshPointers() {
	a.FirstTransaction, a.LastTransaction = nil, nil
	var lo, hi string
	for k := range a.Months {
		if lo == "" || k < lo {
			lo = k
		}
		if hi == "" || k > hi {
			hi = k
		}
	}
	if lo == "" {
		return
	}
	first, last := a.Months[lo].First, a.Months[hi].Last
	a.FirstTransaction, a.LastTransaction = &first, &last
}

// MarkPending queues the analytics update of transaction id. A reverse of a
// transaction whose apply is still queued cancels it instead.
func (a *LedgerAccount) MarkPending(id string, action Action) {
	if action == ActionReverse && a.TakePending(id, ActionApply) {
		return
	}
	a.PendingAnalytics = append(a.PendingAnalytics, PendingFold{TransactionID: id, Action: action})
}

// TakePending dequeues the analytics update of transaction id and reports
// whether it was queued.
func (a *LedgerAccount) TakePending(id string, action Action) bool {
	for i, p := range a.PendingAnalytics {
		if p.TransactionID == id && p.Action == action {
			a.PendingAnalytics = append(a.PendingAnalytics[:i:i], a.PendingAnalytics[i+1:]...)
			if len(a.PendingAnalytics) == 0 {
				a.PendingAnalytics = nil
			}
			return true
		}
	}
	return false
}

func (a LedgerAccount) Clone() LedgerAccount {
	out := a
	if a.FirstTransaction != nil {
		p := *a.FirstTransaction
		out.FirstTransaction = &p
	}
	if a.LastTransaction != nil {
		p := *a.LastTransaction
		out.LastTransaction = &p
	}
	if a.Months != nil {
		out.Months = make(map[string]MonthBounds, len(a.Months))
		for k, v := range a.Months {
			out.Months[k] = v
		}
	}
	if a.PendingAnalytics != nil {
		out.PendingAnalytics = append([]PendingFold(nil), a.PendingAnalytics...)
	}
	return out
}
