package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"haulledger.org/internal/ids"
)

const memMaxAttempts = 8

// InMemory implements Store with in-process optimistic concurrency: every
// document read inside RunInTx records the version it saw and the commit is
// rejected and retried when any of them moved.
type InMemory struct {
	mu         sync.RWMutex
	versions   map[string]uint64
	txs        map[string]Transaction
	accounts   map[string]LedgerAccount
	buckets    map[string]MonthlyBucket
	attendance map[string]AttendanceBucket
	analytics  map[string]AnalyticsDocument
	profiles   map[string]EntityProfile

	fault func(op string) error
	now   func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		versions:   make(map[string]uint64),
		txs:        make(map[string]Transaction),
		accounts:   make(map[string]LedgerAccount),
		buckets:    make(map[string]MonthlyBucket),
		attendance: make(map[string]AttendanceBucket),
		analytics:  make(map[string]AnalyticsDocument),
		profiles:   make(map[string]EntityProfile),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// InjectFault installs a hook consulted for every write at commit time. A
// non-nil error aborts the whole commit with nothing applied.
func (s *InMemory) InjectFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func docKey(prefix, id string) string { return prefix + "/" + id }

func profileKey(ref EntityRef) string {
	return ref.Kind.ProfileCollection() + "/" + ref.EntityID
}

type memWrite struct {
	op    string
	key   string
	apply func(s *InMemory)
}

type memTx struct {
	s      *InMemory
	reads  map[string]uint64
	writes []memWrite
}

func (t *memTx) observe(key string) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = t.s.versions[key]
	}
}

func (t *memTx) Account(_ context.Context, key AccountKey) (LedgerAccount, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	k := docKey("account", key.ID())
	t.observe(k)
	a, ok := t.s.accounts[key.ID()]
	return a.Clone(), ok, nil
}

func (t *memTx) Bucket(_ context.Context, key BucketKey) (MonthlyBucket, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	k := docKey("bucket", key.ID())
	t.observe(k)
	b, ok := t.s.buckets[key.ID()]
	return b.Clone(), ok, nil
}

func (t *memTx) Attendance(_ context.Context, key AttendanceKey) (AttendanceBucket, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	k := docKey("attendance", key.ID())
	t.observe(k)
	b, ok := t.s.attendance[key.ID()]
	return b.Clone(), ok, nil
}

func (t *memTx) Analytics(_ context.Context, key AnalyticsKey) (AnalyticsDocument, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	k := docKey("analytics", key.ID())
	t.observe(k)
	d, ok := t.s.analytics[key.ID()]
	return d.Clone(), ok, nil
}

func (t *memTx) PutAccount(_ context.Context, a LedgerAccount) error {
	a = a.Clone()
	t.writes = append(t.writes, memWrite{op: "PutAccount", key: docKey("account", a.ID()), apply: func(s *InMemory) {
		s.accounts[a.ID()] = a
	}})
	return nil
}

func (t *memTx) PutBucket(_ context.Context, b MonthlyBucket) error {
	b = b.Clone()
	id := b.Key().ID()
	t.writes = append(t.writes, memWrite{op: "PutBucket", key: docKey("bucket", id), apply: func(s *InMemory) {
		s.buckets[id] = b
	}})
	return nil
}

func (t *memTx) DeleteBucket(_ context.Context, key BucketKey) error {
	id := key.ID()
	t.writes = append(t.writes, memWrite{op: "DeleteBucket", key: docKey("bucket", id), apply: func(s *InMemory) {
		delete(s.buckets, id)
	}})
	return nil
}

func (t *memTx) PutAttendance(_ context.Context, b AttendanceBucket) error {
	b = b.Clone()
	id := b.ID()
	t.writes = append(t.writes, memWrite{op: "PutAttendance", key: docKey("attendance", id), apply: func(s *InMemory) {
		s.attendance[id] = b
	}})
	return nil
}

func (t *memTx) DeleteAttendance(_ context.Context, key AttendanceKey) error {
	id := key.ID()
	t.writes = append(t.writes, memWrite{op: "DeleteAttendance", key: docKey("attendance", id), apply: func(s *InMemory) {
		delete(s.attendance, id)
	}})
	return nil
}

func (t *memTx) PutAnalytics(_ context.Context, d AnalyticsDocument) error {
	d = d.Clone()
	id := d.ID()
	t.writes = append(t.writes, memWrite{op: "PutAnalytics", key: docKey("analytics", id), apply: func(s *InMemory) {
		s.analytics[id] = d
	}})
	return nil
}

func (t *memTx) StampTransaction(_ context.Context, id string, before, after decimal.Decimal) error {
	t.writes = append(t.writes, memWrite{op: "StampTransaction", key: docKey("tx", id), apply: func(s *InMemory) {
		rec, ok := s.txs[id]
		if !ok {
			return
		}
		b, a := before, after
		rec.BalanceBefore, rec.BalanceAfter = &b, &a
		s.txs[id] = rec
	}})
	return nil
}

// commit applies the buffered writes if nothing read by the unit changed.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range t.reads {
		if s.versions[k] != v {
			return ErrConflict
		}
	}
	if s.fault != nil {
		for _, w := range t.writes {
			if err := s.fault(w.op); err != nil {
				return err
			}
		}
	}
	for _, w := range t.writes {
		w.apply(s)
		s.versions[w.key]++
	}
	return nil
}

func (s *InMemory) RunInTx(ctx context.Context, fn TxFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{s: s, reads: make(map[string]uint64)}
		if err := fn(ctx, Phased(tx)); err != nil {
			return err
		}
		err := tx.commit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= memMaxAttempts {
			return err
		}
	}
}

func (s *InMemory) InsertTransaction(_ context.Context, t Transaction) (Transaction, error) {
	if t.ID == "" {
		t.ID = ids.New()
	}
	t, err := Prepare(t, s.now())
	if err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[t.ID]; exists {
		return Transaction{}, fmt.Errorf("%w: transaction %s already exists", ErrConflict, t.ID)
	}
	s.txs[t.ID] = t.Clone()
	return t, nil
}

func (s *InMemory) DeleteTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	delete(s.txs, id)
	return t, nil
}

func (s *InMemory) GetTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *InMemory) ScanTransactions(_ context.Context, f TransactionFilter, after string, limit int) ([]Transaction, string, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	var keys []string
	for id, t := range s.txs {
		if id > after && f.Matches(t) {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Transaction, 0, len(keys))
	for _, id := range keys {
		out = append(out, s.txs[id].Clone())
	}
	s.mu.RUnlock()

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *InMemory) GetAccount(_ context.Context, key AccountKey) (LedgerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[key.ID()]
	if !ok {
		return LedgerAccount{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (f DocFilter) matchOrgYear(org, fy string) bool {
	if f.OrganizationID != "" && org != f.OrganizationID {
		return false
	}
	return f.FinancialYear == "" || fy == f.FinancialYear
}

func (s *InMemory) ListAccounts(_ context.Context, f DocFilter) ([]LedgerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerAccount
	for _, a := range s.accounts {
		if !f.matchOrgYear(a.OrganizationID, a.FinancialYear) {
			continue
		}
		if f.Account != nil && a.AccountKey != *f.Account {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *InMemory) ListBuckets(_ context.Context, f DocFilter) ([]MonthlyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MonthlyBucket
	for _, b := range s.buckets {
		if !f.matchOrgYear(b.OrganizationID, b.FinancialYear) {
			continue
		}
		if f.Account != nil && b.AccountKey != *f.Account {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().ID() < out[j].Key().ID() })
	return out, nil
}

func (s *InMemory) ListAttendance(_ context.Context, f DocFilter) ([]AttendanceBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AttendanceBucket
	for _, b := range s.attendance {
		if !f.matchOrgYear(b.OrganizationID, b.FinancialYear) {
			continue
		}
		if f.EmployeeID != "" && b.EmployeeID != f.EmployeeID {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *InMemory) GetAnalytics(_ context.Context, key AnalyticsKey) (AnalyticsDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.analytics[key.ID()]
	if !ok {
		return AnalyticsDocument{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *InMemory) ListOrganizations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range s.txs {
		seen[t.OrganizationID] = struct{}{}
	}
	for _, a := range s.accounts {
		seen[a.OrganizationID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for org := range seen {
		if org != "" {
			out = append(out, org)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) Commit(ctx context.Context, b *Batch) error {
	if err := b.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, reads: map[string]uint64{}}
	for _, op := range b.Ops {
		switch op.Kind {
		case OpPutAccount:
			_ = tx.PutAccount(ctx, *op.Account)
		case OpPutBucket:
			_ = tx.PutBucket(ctx, *op.Bucket)
		case OpDeleteBucket:
			_ = tx.DeleteBucket(ctx, op.BucketKey)
		case OpPutAttendance:
			_ = tx.PutAttendance(ctx, *op.Attendance)
		case OpDeleteAttendance:
			_ = tx.DeleteAttendance(ctx, op.AttendanceKey)
		case OpPutAnalytics:
			_ = tx.PutAnalytics(ctx, *op.Analytics)
		default:
			return fmt.Errorf("ledger: unknown batch op %d", op.Kind)
		}
	}
	return tx.commit()
}

// PutProfile registers an entity profile so balances can be mirrored onto it.
func (s *InMemory) PutProfile(p EntityProfile, ref EntityRef) {
	p.Collection = ref.Kind.ProfileCollection()
	p.ID = ref.EntityID
	s.mu.Lock()
	s.profiles[profileKey(ref)] = p
	s.mu.Unlock()
}

// Profile returns the profile ref points at.
func (s *InMemory) Profile(ref EntityRef) (EntityProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileKey(ref)]
	if !ok {
		return EntityProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) MirrorBalance(_ context.Context, ref EntityRef, fy string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := profileKey(ref)
	p, ok := s.profiles[k]
	if !ok {
		return ErrNotFound
	}
	if p.BalanceFY != "" && CompareFY(fy, p.BalanceFY) < 0 {
		return nil
	}
	p.CurrentBalance = balance
	p.BalanceFY = fy
	p.UpdatedAt = s.now()
	s.profiles[k] = p
	return nil
}

func (s *InMemory) Ping(context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }
