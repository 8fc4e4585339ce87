// Package rebuild recomputes derived ledger documents from the canonical
// transaction log and overwrites whatever drifted.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"haulledger.org/internal/analytics"
	"haulledger.org/internal/attendance"
	"haulledger.org/internal/ids"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/lock"
	"haulledger.org/internal/obs"
)

const (
	DefaultPageSize = 200
	lockTTL         = 10 * time.Minute
)

// Options control one rebuild run.
type Options struct {
	// DryRun computes and tallies without writing anything.
	DryRun bool
	// BatchSize bounds the operations per commit; capped at ledger.MaxBatchOps.
	BatchSize int
	// Resume skips documents at or before the last saved checkpoint.
	Resume bool
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 || o.BatchSize > ledger.MaxBatchOps {
		return ledger.MaxBatchOps
	}
	return o.BatchSize
}

// Summary tallies the outcome of a document rewrite.
type Summary struct {
	RunID     string   `json:"runId"`
	DryRun    bool     `json:"dryRun"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Deleted   int      `json:"deleted"`
	Errors    []string `json:"errors,omitempty"`
}

func (s *Summary) merge(o Summary) {
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Deleted += o.Deleted
	s.Errors = append(s.Errors, o.Errors...)
}

// LedgerResult is the answer to an operator ledger rebuild.
type LedgerResult struct {
	Account          ledger.AccountKey `json:"account"`
	PreviousBalance  decimal.Decimal   `json:"previousBalance"`
	NewBalance       decimal.Decimal   `json:"newBalance"`
	TransactionCount int64             `json:"transactionCount"`
	DryRun           bool              `json:"dryRun"`
	// Skipped is set when neither a ledger nor any transaction exists.
	Skipped bool `json:"skipped,omitempty"`
	// Anomaly is set when the owning entity profile is gone.
	Anomaly bool `json:"anomaly,omitempty"`
}

// Engine runs rebuilds against a store.
type Engine struct {
	store       ledger.Store
	locker      lock.Locker
	checkpoints lock.Checkpoints
	pageSize    int
	now         func() time.Time
}

type Option func(*Engine)

// WithLocker serializes runs sharing a scope through l.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

// WithCheckpoints enables resumable runs.
func WithCheckpoints(c lock.Checkpoints) Option { return func(e *Engine) { e.checkpoints = c } }

// WithPageSize sets the transaction scan page size.
func WithPageSize(n int) Option { return func(e *Engine) { e.pageSize = n } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		locker:      lock.NewLocal(),
		checkpoints: lock.NewMemoryCheckpoints(),
		pageSize:    DefaultPageSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	return e
}

func (e *Engine) withLock(ctx context.Context, key string, fn func() error) error {
	lease, err := e.locker.Acquire(ctx, key, lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			obs.LogError(obs.Logger(), "rebuild", "withLock", "lock release failed", key, rerr)
		}
	}()
	return fn()
}

// scan pages through the log and returns every match.
func (e *Engine) scan(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	after := ""
	for {
		page, next, err := e.store.ScanTransactions(ctx, f, after, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("scan transactions after %q: %w", after, err)
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		after = next
	}
}

func byDate(txs []ledger.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})
}

// RebuildLedger recomputes one ledger account from the log and overwrites it.
func (e *Engine) RebuildLedger(ctx context.Context, key ledger.AccountKey, organizationID string, opts Options) (res LedgerResult, err error) {
	ctx, span := obs.StartSpan(ctx, "rebuild.ledger", attribute.String("ledger.account", key.ID()))
	defer func() { obs.EndSpan(span, err) }()

	err = e.withLock(ctx, "ledger:"+key.ID(), func() error {
		res, err = e.rebuildLedger(ctx, key, organizationID, opts, true)
		return err
	})
	return res, err
}

// rebuildLedger overwrites the account. keepPending carries queued analytics
// updates over to the rebuilt account; a sweep drops them because it
// rebuilds the analytics document from the log afterwards.
func (e *Engine) rebuildLedger(ctx context.Context, key ledger.AccountKey, organizationID string, opts Options, keepPending bool) (LedgerResult, error) {
	res := LedgerResult{Account: key, DryRun: opts.DryRun}

	existing, err := e.store.GetAccount(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return res, fmt.Errorf("load ledger %s: %w", key.ID(), err)
	}
	if organizationID == "" && found {
		organizationID = existing.OrganizationID
	}
	if found {
		res.PreviousBalance = existing.CurrentBalance
	}

	txs, err := e.scan(ctx, ledger.TransactionFilter{
		OrganizationID: organizationID,
		FinancialYear:  key.FinancialYear,
		Kind:           key.Kind,
		EntityID:       key.EntityID,
	})
	if err != nil {
		return res, err
	}
	if len(txs) == 0 && !found {
		res.Skipped = true
		return res, nil
	}
	byDate(txs)

	acct := ledger.NewAccount(key, organizationID, ledger.OpeningBalance(ctx, e.store, key))
	for _, t := range txs {
		acct.Fold(t, ledger.ActionApply, nil)
	}
	if keepPending && found {
		acct.PendingAnalytics = existing.PendingAnalytics
	}
	acct.UpdatedAt = e.now()
	res.NewBalance = acct.CurrentBalance
	res.TransactionCount = acct.TransactionCount

	if opts.DryRun {
		return res, nil
	}
	var b ledger.Batch
	b.PutAccount(acct)
	if err := e.store.Commit(ctx, &b); err != nil {
		obs.ObserveRebuild("ledger", "failed", 1)
		return res, fmt.Errorf("write ledger %s: %w", key.ID(), err)
	}
	obs.ObserveRebuild("ledger", "succeeded", 1)

	err = e.store.MirrorBalance(ctx, key.Entity(), key.FinancialYear, acct.CurrentBalance)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound):
		res.Anomaly = true
		obs.Warn("rebuild", "RebuildLedger", "ledger without entity profile", logrus.Fields{
			"account":        key.ID(),
			"organizationId": organizationID,
		})
	default:
		obs.LogError(obs.Logger(), "rebuild", "RebuildLedger", "balance mirror failed", key.ID(), err)
	}
	return res, nil
}

// item is one document write of a bulk rewrite.
type item struct {
	id     string
	delete bool
	add    func(b *ledger.Batch)
}

// commitAll writes items in id order and bounded batches. A failed batch is
// tallied and the run continues with the next one.
func (e *Engine) commitAll(ctx context.Context, operation, checkpoint string, items []item, sum *Summary, opts Options) error {
	sort.Slice(items, func(i, j int) bool { return items[i].id < items[j].id })

	if opts.Resume && !opts.DryRun {
		cursor, err := e.checkpoints.Load(ctx, checkpoint)
		if err != nil {
			return fmt.Errorf("load checkpoint %s: %w", checkpoint, err)
		}
		if cursor != "" {
			i := sort.Search(len(items), func(i int) bool { return items[i].id > cursor })
			sum.Skipped += i
			items = items[i:]
		}
	}

	tally := func(batch []item, ok bool) {
		for _, it := range batch {
			switch {
			case !ok:
				sum.Failed++
			case it.delete:
				sum.Deleted++
			default:
				sum.Succeeded++
			}
		}
	}

	if opts.DryRun {
		tally(items, true)
		return nil
	}

	size := opts.batchSize()
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(items))
		chunk := items[start:end]
		var b ledger.Batch
		for _, it := range chunk {
			it.add(&b)
		}
		if err := e.store.Commit(ctx, &b); err != nil {
			tally(chunk, false)
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s batch %s..%s: %v", operation, chunk[0].id, chunk[len(chunk)-1].id, err))
			obs.LogError(obs.Logger(), "rebuild", operation, "batch commit failed", chunk[0].id, err)
			obs.ObserveRebuild(operation, "failed", len(chunk))
			continue
		}
		tally(chunk, true)
		obs.ObserveRebuild(operation, "succeeded", len(chunk))
		if sum.Failed == 0 {
			if err := e.checkpoints.Save(ctx, checkpoint, chunk[len(chunk)-1].id); err != nil {
				obs.LogError(obs.Logger(), "rebuild", operation, "checkpoint save failed", checkpoint, err)
			}
		}
	}
	if sum.Failed == 0 {
		if err := e.checkpoints.Clear(ctx, checkpoint); err != nil {
			obs.LogError(obs.Logger(), "rebuild", operation, "checkpoint clear failed", checkpoint, err)
		}
	}
	return nil
}

func checkpointName(operation, org, fy string) string {
	return operation + ":" + org + ":" + fy
}

func (e *Engine) newSummary(opts Options) Summary {
	return Summary{RunID: ids.New(), DryRun: opts.DryRun}
}

// RebuildMonthlyBuckets rewrites every month bucket of an organization year
// from the log and deletes buckets no transaction lands in any more.
func (e *Engine) RebuildMonthlyBuckets(ctx context.Context, organizationID, fy string, opts Options) (sum Summary, err error) {
	ctx, span := obs.StartSpan(ctx, "rebuild.buckets", attribute.String("organization.id", organizationID))
	defer func() { obs.EndSpan(span, err) }()

	err = e.withLock(ctx, "buckets:"+organizationID+":"+fy, func() error {
		sum, err = e.rebuildBuckets(ctx, organizationID, fy, opts)
		return err
	})
	return sum, err
}

func (e *Engine) rebuildBuckets(ctx context.Context, organizationID, fy string, opts Options) (Summary, error) {
	sum := e.newSummary(opts)
	txs, err := e.scan(ctx, ledger.TransactionFilter{OrganizationID: organizationID, FinancialYear: fy})
	if err != nil {
		return sum, err
	}
	existing, err := e.store.ListBuckets(ctx, ledger.DocFilter{OrganizationID: organizationID, FinancialYear: fy})
	if err != nil {
		return sum, fmt.Errorf("list buckets: %w", err)
	}

	now := e.now()
	desired := make(map[string]ledger.MonthlyBucket)
	for _, t := range txs {
		k := t.BucketKey()
		b, ok := desired[k.ID()]
		if !ok {
			b = ledger.NewBucket(k, organizationID)
		}
		b.Items = append(b.Items, ledger.ItemFor(t))
		desired[k.ID()] = b
	}

	current := make(map[string]ledger.MonthlyBucket, len(existing))
	for _, b := range existing {
		current[b.Key().ID()] = b
	}

	var items []item
	for id, b := range desired {
		b.SortItems()
		b.Recompute()
		b.UpdatedAt = now
		if old, ok := current[id]; ok && old.SameContent(b) {
			sum.Skipped++
			continue
		}
		items = append(items, item{id: id, add: func(batch *ledger.Batch) { batch.PutBucket(b) }})
	}
	for id, b := range current {
		if _, ok := desired[id]; ok {
			continue
		}
		key := b.Key()
		items = append(items, item{id: id, delete: true, add: func(batch *ledger.Batch) { batch.DeleteBucket(key) }})
	}

	err = e.commitAll(ctx, "buckets", checkpointName("buckets", organizationID, fy), items, &sum, opts)
	return sum, err
}

// RebuildAttendance rewrites the attendance calendar of an organization year
// from its payroll credits and prunes buckets left without presence.
func (e *Engine) RebuildAttendance(ctx context.Context, organizationID, fy string, opts Options) (sum Summary, err error) {
	ctx, span := obs.StartSpan(ctx, "rebuild.attendance", attribute.String("organization.id", organizationID))
	defer func() { obs.EndSpan(span, err) }()

	err = e.withLock(ctx, "attendance:"+organizationID+":"+fy, func() error {
		sum, err = e.rebuildAttendance(ctx, organizationID, fy, opts)
		return err
	})
	return sum, err
}

func (e *Engine) rebuildAttendance(ctx context.Context, organizationID, fy string, opts Options) (Summary, error) {
	sum := e.newSummary(opts)
	txs, err := e.scan(ctx, ledger.TransactionFilter{OrganizationID: organizationID, FinancialYear: fy, Kind: ledger.KindPayroll})
	if err != nil {
		return sum, err
	}
	existing, err := e.store.ListAttendance(ctx, ledger.DocFilter{OrganizationID: organizationID, FinancialYear: fy})
	if err != nil {
		return sum, fmt.Errorf("list attendance: %w", err)
	}
	current := make(map[string]ledger.AttendanceBucket, len(existing))
	for _, b := range existing {
		current[b.ID()] = b
	}

	desired := attendance.Build(txs, e.now())
	var items []item
	for key, b := range desired {
		if old, ok := current[key.ID()]; ok && attendance.Same(old, b) {
			sum.Skipped++
			continue
		}
		items = append(items, item{id: key.ID(), add: func(batch *ledger.Batch) { batch.PutAttendance(b) }})
	}
	for id, b := range current {
		if _, ok := desired[b.AttendanceKey]; ok {
			continue
		}
		key := b.AttendanceKey
		items = append(items, item{id: id, delete: true, add: func(batch *ledger.Batch) { batch.DeleteAttendance(key) }})
	}

	err = e.commitAll(ctx, "attendance", checkpointName("attendance", organizationID, fy), items, &sum, opts)
	return sum, err
}

// RebuildAnalytics rederives the organization's analytics document.
func (e *Engine) RebuildAnalytics(ctx context.Context, organizationID, fy string, opts Options) (sum Summary, err error) {
	ctx, span := obs.StartSpan(ctx, "rebuild.analytics", attribute.String("organization.id", organizationID))
	defer func() { obs.EndSpan(span, err) }()

	err = e.withLock(ctx, "analytics:"+organizationID+":"+fy, func() error {
		sum, err = e.rebuildAnalytics(ctx, organizationID, fy, opts)
		return err
	})
	return sum, err
}

func (e *Engine) rebuildAnalytics(ctx context.Context, organizationID, fy string, opts Options) (Summary, error) {
	sum := e.newSummary(opts)
	key := ledger.AnalyticsKey{OrganizationID: organizationID, FinancialYear: fy}
	txs, err := e.scan(ctx, ledger.TransactionFilter{OrganizationID: organizationID, FinancialYear: fy})
	if err != nil {
		return sum, err
	}
	_, err = e.store.GetAnalytics(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) && len(txs) == 0 {
		sum.Skipped++
		return sum, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return sum, fmt.Errorf("load analytics: %w", err)
	}

	doc := analytics.Build(key, txs, e.now())
	items := []item{{id: key.ID(), add: func(b *ledger.Batch) { b.PutAnalytics(doc) }}}
	err = e.commitAll(ctx, "analytics", checkpointName("analytics", organizationID, fy), items, &sum, opts)
	return sum, err
}
