package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"haulledger.org/internal/obs"
)

// MaxBatchOps is the per-commit operation ceiling of the underlying stores.
const MaxBatchOps = 500

// Tx is one atomic unit against the derived documents. Implementations must
// be wrapped with Phased so that every read precedes every write.
type Tx interface {
	Account(ctx context.Context, key AccountKey) (LedgerAccount, bool, error)
	Bucket(ctx context.Context, key BucketKey) (MonthlyBucket, bool, error)
	Attendance(ctx context.Context, key AttendanceKey) (AttendanceBucket, bool, error)
	Analytics(ctx context.Context, key AnalyticsKey) (AnalyticsDocument, bool, error)

	PutAccount(ctx context.Context, a LedgerAccount) error
	PutBucket(ctx context.Context, b MonthlyBucket) error
	DeleteBucket(ctx context.Context, key BucketKey) error
	PutAttendance(ctx context.Context, b AttendanceBucket) error
	DeleteAttendance(ctx context.Context, key AttendanceKey) error
	PutAnalytics(ctx context.Context, d AnalyticsDocument) error
	StampTransaction(ctx context.Context, id string, before, after decimal.Decimal) error
}

// TxFunc is the body of an atomic unit. It may run more than once when the
// store retries on contention, so it must not leak state between attempts.
type TxFunc func(ctx context.Context, tx Tx) error

// TransactionFilter selects transactions from the log. Empty fields match all.
type TransactionFilter struct {
	OrganizationID string
	FinancialYear  string
	Kind           Kind
	EntityID       string
}

// Matches reports whether t satisfies the filter.
func (f TransactionFilter) Matches(t Transaction) bool {
	if f.OrganizationID != "" && t.OrganizationID != f.OrganizationID {
		return false
	}
	if f.FinancialYear != "" && t.FinancialYear != f.FinancialYear {
		return false
	}
	if f.Kind != 0 && t.Kind != f.Kind {
		return false
	}
	if f.EntityID != "" && t.EntityID != f.EntityID {
		return false
	}
	return true
}

// DocFilter selects derived documents of an organization year.
type DocFilter struct {
	OrganizationID string
	FinancialYear  string
	// Account narrows bucket listings to one ledger.
	Account *AccountKey
	// EmployeeID narrows attendance listings to one employee.
	EmployeeID string
}

// Store is the repository every component receives explicitly. It is opened
// at process start and closed at shutdown.
type Store interface {
	// RunInTx executes fn atomically, retrying on optimistic-concurrency
	// contention.
	RunInTx(ctx context.Context, fn TxFunc) error

	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	DeleteTransaction(ctx context.Context, id string) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// ScanTransactions pages through the log ordered by id. It returns the
	// cursor to pass as after for the next page, empty when exhausted.
	ScanTransactions(ctx context.Context, f TransactionFilter, after string, limit int) ([]Transaction, string, error)

	GetAccount(ctx context.Context, key AccountKey) (LedgerAccount, error)
	ListAccounts(ctx context.Context, f DocFilter) ([]LedgerAccount, error)
	ListBuckets(ctx context.Context, f DocFilter) ([]MonthlyBucket, error)
	ListAttendance(ctx context.Context, f DocFilter) ([]AttendanceBucket, error)
	GetAnalytics(ctx context.Context, key AnalyticsKey) (AnalyticsDocument, error)
	ListOrganizations(ctx context.Context) ([]string, error)

	// Commit writes a bounded batch of wholesale document overwrites.
	// Batches are independent: a failure leaves earlier batches committed.
	Commit(ctx context.Context, b *Batch) error
	// MirrorBalance copies a ledger balance onto the owning entity profile.
	// It returns ErrNotFound when the profile does not exist.
	MirrorBalance(ctx context.Context, ref EntityRef, fy string, balance decimal.Decimal) error

	Ping(ctx context.Context) error
	Close() error
}

// OpKind enumerates batch operations.
type OpKind uint8

const (
	OpPutAccount OpKind = iota + 1
	OpPutBucket
	OpDeleteBucket
	OpPutAttendance
	OpDeleteAttendance
	OpPutAnalytics
)

// Op is one write of a batch. Exactly one payload field is set, matching Kind.
type Op struct {
	Kind          OpKind
	Account       *LedgerAccount
	Bucket        *MonthlyBucket
	BucketKey     BucketKey
	Attendance    *AttendanceBucket
	AttendanceKey AttendanceKey
	Analytics     *AnalyticsDocument
}

// Batch accumulates writes for Store.Commit.
type Batch struct {
	Ops []Op
}

func (b *Batch) Len() int { return len(b.Ops) }

func (b *Batch) PutAccount(a LedgerAccount) {
	a = a.Clone()
	b.Ops = append(b.Ops, Op{Kind: OpPutAccount, Account: &a})
}

func (b *Batch) PutBucket(m MonthlyBucket) {
	m = m.Clone()
	b.Ops = append(b.Ops, Op{Kind: OpPutBucket, Bucket: &m})
}

func (b *Batch) DeleteBucket(key BucketKey) {
	b.Ops = append(b.Ops, Op{Kind: OpDeleteBucket, BucketKey: key})
}

func (b *Batch) PutAttendance(a AttendanceBucket) {
	a = a.Clone()
	b.Ops = append(b.Ops, Op{Kind: OpPutAttendance, Attendance: &a})
}

func (b *Batch) DeleteAttendance(key AttendanceKey) {
	b.Ops = append(b.Ops, Op{Kind: OpDeleteAttendance, AttendanceKey: key})
}

func (b *Batch) PutAnalytics(d AnalyticsDocument) {
	d = d.Clone()
	b.Ops = append(b.Ops, Op{Kind: OpPutAnalytics, Analytics: &d})
}

// Check rejects batches the store could not commit in one round trip.
func (b *Batch) Check() error {
	if len(b.Ops) > MaxBatchOps {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(b.Ops), MaxBatchOps)
	}
	return nil
}

// Phased enforces the snapshot-then-mutate discipline on a Tx: once any
// write has been issued, further reads fail with ErrReadAfterWrite.
func Phased(tx Tx) Tx {
	if p, ok := tx.(*phasedTx); ok {
		return p
	}
	return &phasedTx{inner: tx}
}

type phasedTx struct {
	inner   Tx
	writing bool
}

func (p *phasedTx) read() error {
	if p.writing {
		return ErrReadAfterWrite
	}
	return nil
}

func (p *phasedTx) Account(ctx context.Context, key AccountKey) (LedgerAccount, bool, error) {
	if err := p.read(); err != nil {
		return LedgerAccount{}, false, err
	}
	return p.inner.Account(ctx, key)
}

func (p *phasedTx) Bucket(ctx context.Context, key BucketKey) (MonthlyBucket, bool, error) {
	if err := p.read(); err != nil {
		return MonthlyBucket{}, false, err
	}
	return p.inner.Bucket(ctx, key)
}

func (p *phasedTx) Attendance(ctx context.Context, key AttendanceKey) (AttendanceBucket, bool, error) {
	if err := p.read(); err != nil {
		return AttendanceBucket{}, false, err
	}
	return p.inner.Attendance(ctx, key)
}

func (p *phasedTx) Analytics(ctx context.Context, key AnalyticsKey) (AnalyticsDocument, bool, error) {
	if err := p.read(); err != nil {
		return AnalyticsDocument{}, false, err
	}
	return p.inner.Analytics(ctx, key)
}

func (p *phasedTx) PutAccount(ctx context.Context, a LedgerAccount) error {
	p.writing = true
	return p.inner.PutAccount(ctx, a)
}

func (p *phasedTx) PutBucket(ctx context.Context, b MonthlyBucket) error {
	p.writing = true
	return p.inner.PutBucket(ctx, b)
}

func (p *phasedTx) DeleteBucket(ctx context.Context, key BucketKey) error {
	p.writing = true
	return p.inner.DeleteBucket(ctx, key)
}

func (p *phasedTx) PutAttendance(ctx context.Context, b AttendanceBucket) error {
	p.writing = true
	return p.inner.PutAttendance(ctx, b)
}

func (p *phasedTx) DeleteAttendance(ctx context.Context, key AttendanceKey) error {
	p.writing = true
	return p.inner.DeleteAttendance(ctx, key)
}

func (p *phasedTx) PutAnalytics(ctx context.Context, d AnalyticsDocument) error {
	p.writing = true
	return p.inner.PutAnalytics(ctx, d)
}

func (p *phasedTx) StampTransaction(ctx context.Context, id string, before, after decimal.Decimal) error {
	p.writing = true
	return p.inner.StampTransaction(ctx, id, before, after)
}

// AccountReader is the read side OpeningBalance needs.
type AccountReader interface {
	GetAccount(ctx context.Context, key AccountKey) (LedgerAccount, error)
}

// OpeningBalance returns the closing balance of the same ledger in the
// previous financial year, or zero when there is none. Lookup failures are
// logged and treated as zero.
func OpeningBalance(ctx context.Context, r AccountReader, key AccountKey) decimal.Decimal {
	prev := key.Previous()
	if prev.FinancialYear == key.FinancialYear {
		return decimal.Zero
	}
	acct, err := r.GetAccount(ctx, prev)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.LogError(obs.Logger(), "ledger", "OpeningBalance", "previous financial year lookup failed", prev.ID(), err)
		}
		return decimal.Zero
	}
	return acct.CurrentBalance
}
