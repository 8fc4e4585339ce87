package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the economic role of a ledger. It decides the sign convention
// applied to credit and debit entries.
type Kind uint8

const (
	KindReceivable Kind = iota + 1
	KindPayable
	KindPayroll
	KindExpense
)

// Kinds lists every ledger kind in a stable order.
var Kinds = []Kind{KindReceivable, KindPayable, KindPayroll, KindExpense}

func (k Kind) String() string {
	switch k {
	case KindReceivable:
		return "receivable"
	case KindPayable:
		return "payable"
	case KindPayroll:
		return "payroll"
	case KindExpense:
		return "expense"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindReceivable && k <= KindExpense
}

// ProfileCollection names the entity collection that owns ledgers of this kind.
func (k Kind) ProfileCollection() string {
	switch k {
	case KindPayable:
		return "vendors"
	case KindPayroll:
		return "employees"
	case KindExpense:
		return "organizations"
	default:
		return "clients"
	}
}

// ParseKind accepts the canonical names plus the entity aliases used by
// upstream workflows (client, vendor, employee).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "receivable", "client":
		return KindReceivable, nil
	case "payable", "vendor":
		return KindPayable, nil
	case "payroll", "employee":
		return KindPayroll, nil
	case "expense", "organization":
		return KindExpense, nil
	}
	return 0, fmt.Errorf("%w: unknown ledger kind %q", ErrInvalidTransaction, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("ledger: cannot marshal kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// EntryType is the direction of a transaction line.
type EntryType uint8

const (
	Credit EntryType = iota + 1
	Debit
)

func (e EntryType) String() string {
	switch e {
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	default:
		return "unknown"
	}
}

func (e EntryType) Valid() bool { return e == Credit || e == Debit }

func ParseEntryType(s string) (EntryType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit":
		return Credit, nil
	case "debit":
		return Debit, nil
	}
	return 0, fmt.Errorf("%w: unknown entry type %q", ErrInvalidTransaction, s)
}

func (e EntryType) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("ledger: cannot marshal entry type %d", uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *EntryType) UnmarshalText(b []byte) error {
	v, err := ParseEntryType(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Action says whether a transaction event is being applied (create) or
// reversed (delete).
type Action int8

const (
	ActionApply   Action = 1
	ActionReverse Action = -1
)

func (a Action) String() string {
	if a == ActionReverse {
		return "reverse"
	}
	return "apply"
}

// Signed multiplies d by the action sign.
func (a Action) Signed(d decimal.Decimal) decimal.Decimal {
	if a == ActionReverse {
		return d.Neg()
	}
	return d
}

// PaymentAccountRef points at the cash/bank/UPI account a transaction settled through.
type PaymentAccountRef struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// Channel is the payment channel used for analytics breakdowns.
func (p *PaymentAccountRef) Channel() string {
	if p == nil {
		return ""
	}
	if p.Type != "" {
		return p.Type
	}
	return p.ID
}

// SourceRef identifies the production batch or trip that produced a wage entry.
type SourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s SourceRef) String() string {
	if s.Kind == "" {
		return s.ID
	}
	return s.Kind + ":" + s.ID
}

// Transaction is the immutable intent record written by upstream workflows.
// BalanceBefore and BalanceAfter are stamped once by the materializer.
type Transaction struct {
	ID             string             `json:"id" validate:"required,max=128"`
	OrganizationID string             `json:"organizationId" validate:"required,max=128"`
	EntityID       string             `json:"entityId" validate:"required,max=128"`
	Kind           Kind               `json:"ledgerKind"`
	Entry          EntryType          `json:"entryType"`
	Amount         decimal.Decimal    `json:"amount" validate:"gte=0"`
	Category       string             `json:"category,omitempty" validate:"max=64"`
	FinancialYear  string             `json:"financialYear" validate:"required,max=16"`
	Date           time.Time          `json:"transactionDate"`
	Description    string             `json:"description,omitempty" validate:"max=512"`
	PaymentAccount *PaymentAccountRef `json:"paymentAccount,omitempty"`
	Source         *SourceRef         `json:"source,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	BalanceBefore  *decimal.Decimal   `json:"balanceBefore,omitempty"`
	BalanceAfter   *decimal.Decimal   `json:"balanceAfter,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// AccountKey returns the ledger this transaction books against.
func (t Transaction) AccountKey() AccountKey {
	return AccountKey{Kind: t.Kind, EntityID: t.EntityID, FinancialYear: t.FinancialYear}
}

// BucketKey returns the month bucket this transaction lands in.
func (t Transaction) BucketKey() BucketKey {
	return BucketKey{Account: t.AccountKey(), Month: MonthKey(t.Date)}
}

// Delta is the signed balance change this transaction produces on its ledger.
func (t Transaction) Delta() decimal.Decimal {
	return Delta(t.Kind, t.Entry, t.Amount)
}

func (t Transaction) Clone() Transaction {
	out := t
	if t.PaymentAccount != nil {
		p := *t.PaymentAccount
		out.PaymentAccount = &p
	}
	if t.Source != nil {
		s := *t.Source
		out.Source = &s
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.BalanceBefore != nil {
		b := *t.BalanceBefore
		out.BalanceBefore = &b
	}
	if t.BalanceAfter != nil {
		a := *t.BalanceAfter
		out.BalanceAfter = &a
	}
	return out
}

// AccountKey identifies one ledger: an entity of a given kind in one financial year.
type AccountKey struct {
	Kind          Kind   `json:"ledgerKind"`
	EntityID      string `json:"entityId"`
	FinancialYear string `json:"financialYear"`
}

// ID is the document identifier used by every store.
func (k AccountKey) ID() string {
	return k.Kind.String() + ":" + k.EntityID + ":" + k.FinancialYear
}

func (k AccountKey) String() string { return k.ID() }

// Previous is the same entity's ledger in the prior financial year.
func (k AccountKey) Previous() AccountKey {
	k.FinancialYear = PreviousFY(k.FinancialYear)
	return k
}

// Entity is the profile that mirrors this ledger's balance.
func (k AccountKey) Entity() EntityRef {
	return EntityRef{Kind: k.Kind, EntityID: k.EntityID}
}

// BucketKey identifies one calendar month of a ledger.
type BucketKey struct {
	Account AccountKey
	Month   string // YYYYMM
}

func (k BucketKey) ID() string { return k.Account.ID() + ":" + k.Month }

// EntityRef points at a client, vendor, employee or organization profile.
type EntityRef struct {
	Kind     Kind
	EntityID string
}

// EntityProfile is the slice of an upstream profile document the engine writes to.
type EntityProfile struct {
	Collection     string          `json:"collection"`
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Name           string          `json:"name,omitempty"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	BalanceFY      string          `json:"balanceFinancialYear,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrReadAfterWrite     = errors.New("ledger: read issued after a write in the same transaction")
	ErrBatchTooLarge      = errors.New("ledger: batch exceeds commit operation limit")
	ErrConflict           = errors.New("ledger: concurrent modification")
)
