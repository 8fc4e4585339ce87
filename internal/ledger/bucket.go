package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one transaction as recorded in its month bucket.
type LineItem struct {
	TransactionID    string          `json:"transactionId"`
	Date             time.Time       `json:"transactionDate"`
	Entry            EntryType       `json:"entryType"`
	Amount           decimal.Decimal `json:"amount"`
	Delta            decimal.Decimal `json:"delta"`
	Category         string          `json:"category,omitempty"`
	Description      string          `json:"description,omitempty"`
	PaymentAccountID string          `json:"paymentAccountId,omitempty"`
}

// ItemFor converts a transaction to its bucket line-item.
func ItemFor(t Transaction) LineItem {
	it := LineItem{
		TransactionID: t.ID,
		Date:          t.Date,
		Entry:         t.Entry,
		Amount:        t.Amount,
		Delta:         t.Delta(),
		Category:      t.Category,
		Description:   t.Description,
	}
	if t.PaymentAccount != nil {
		it.PaymentAccountID = t.PaymentAccount.ID
	}
	return it
}

func itemLess(a, b LineItem) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.TransactionID < b.TransactionID
}

// MonthlyBucket holds one calendar month of a ledger's line-items. The
// aggregates are a pure function of Items and are recomputed on every change.
type MonthlyBucket struct {
	AccountKey
	Month          string          `json:"month"`
	OrganizationID string          `json:"organizationId"`
	Items          []LineItem      `json:"items"`
	Count          int64           `json:"count"`
	TotalCredit    decimal.Decimal `json:"totalCredit"`
	TotalDebit     decimal.Decimal `json:"totalDebit"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewBucket returns an empty bucket for key.
func NewBucket(key BucketKey, organizationID string) MonthlyBucket {
	return MonthlyBucket{AccountKey: key.Account, Month: key.Month, OrganizationID: organizationID}
}

func (b MonthlyBucket) Key() BucketKey {
	return BucketKey{Account: b.AccountKey, Month: b.Month}
}

// Find returns the index of the item for transaction id, or -1.
func (b MonthlyBucket) Find(id string) int {
	for i, it := range b.Items {
		if it.TransactionID == id {
			return i
		}
	}
	return -1
}

// Has reports whether transaction id is booked in the bucket.
func (b MonthlyBucket) Has(id string) bool { return b.Find(id) >= 0 }

// Upsert inserts it in date order, replacing any item with the same
// transaction id.
func (b *MonthlyBucket) Upsert(it LineItem) {
	if i := b.Find(it.TransactionID); i >= 0 {
		b.Items = append(b.Items[:i], b.Items[i+1:]...)
	}
	i := sort.Search(len(b.Items), func(i int) bool { return itemLess(it, b.Items[i]) })
	b.Items = append(b.Items, LineItem{})
	copy(b.Items[i+1:], b.Items[i:])
	b.Items[i] = it
	b.Recompute()
}

// Remove drops the item for transaction id and reports whether it existed.
func (b *MonthlyBucket) Remove(id string) bool {
	i := b.Find(id)
	if i < 0 {
		return false
	}
	b.Items = append(b.Items[:i], b.Items[i+1:]...)
	b.Recompute()
	return true
}

// Recompute derives the bucket aggregates from its items.
func (b *MonthlyBucket) Recompute() {
	b.Count = int64(len(b.Items))
	b.TotalCredit = decimal.Zero
	b.TotalDebit = decimal.Zero
	for _, it := range b.Items {
		if it.Entry == Credit {
			b.TotalCredit = b.TotalCredit.Add(it.Amount)
		} else {
			b.TotalDebit = b.TotalDebit.Add(it.Amount)
		}
	}
}

// Empty buckets are deleted rather than persisted.
func (b MonthlyBucket) Empty() bool { return len(b.Items) == 0 }

// SortItems orders items by date then transaction id.
func (b *MonthlyBucket) SortItems() {
	sort.Slice(b.Items, func(i, j int) bool { return itemLess(b.Items[i], b.Items[j]) })
}

// SameContent reports whether two buckets hold identical items and aggregates.
func (b MonthlyBucket) SameContent(o MonthlyBucket) bool {
	if b.Count != o.Count || !b.TotalCredit.Equal(o.TotalCredit) || !b.TotalDebit.Equal(o.TotalDebit) {
		return false
	}
	if len(b.Items) != len(o.Items) {
		return false
	}
	for i := range b.Items {
		x, y := b.Items[i], o.Items[i]
		if x.TransactionID != y.TransactionID || !x.Date.Equal(y.Date) || x.Entry != y.Entry ||
			!x.Amount.Equal(y.Amount) || !x.Delta.Equal(y.Delta) || x.Category != y.Category ||
			x.Description != y.Description || x.PaymentAccountID != y.PaymentAccountID {
			return false
		}
	}
	return true
}

func (b MonthlyBucket) Clone() MonthlyBucket {
	out := b
	if b.Items != nil {
		out.Items = make([]LineItem, len(b.Items))
		copy(out.Items, b.Items)
	}
	return out
}
