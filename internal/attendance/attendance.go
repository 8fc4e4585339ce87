// Package attendance derives an employee presence calendar from payroll
// credits. Every wage credit on a day marks the employee present on that day.
package attendance

import (
	"context"
	"sort"
	"time"

	"haulledger.org/internal/ledger"
)

const manualSource = "manual"

// Eligible reports whether t contributes to attendance.
func Eligible(t ledger.Transaction) bool {
	return t.Kind == ledger.KindPayroll && t.Entry == ledger.Credit
}

// KeyFor returns the attendance bucket t lands in.
func KeyFor(t ledger.Transaction) ledger.AttendanceKey {
	return ledger.AttendanceKey{EmployeeID: t.EntityID, FinancialYear: t.FinancialYear, Month: ledger.MonthKey(t.Date)}
}

// SourceOf names the batch or trip that produced t.
func SourceOf(t ledger.Transaction) string {
	if t.Source != nil {
		return t.Source.String()
	}
	if v, ok := t.Metadata["source"].(string); ok && v != "" {
		return v
	}
	return manualSource
}

// Recorder keeps attendance buckets in step with the materializer.
type Recorder struct {
	store ledger.Store
	now   func() time.Time
}

func New(store ledger.Store) *Recorder {
	return &Recorder{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Record adds or removes t from its bucket. It is idempotent in both
// directions and ignores ineligible transactions.
func (r *Recorder) Record(ctx context.Context, t ledger.Transaction, action ledger.Action) error {
	if !Eligible(t) {
		return nil
	}
	key := KeyFor(t)
	return r.store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		b, found, err := tx.Attendance(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			if action == ledger.ActionReverse {
				return nil
			}
			b = ledger.AttendanceBucket{AttendanceKey: key, OrganizationID: t.OrganizationID}
		}
		Fold(&b, t, action)
		if b.Empty() {
			return tx.DeleteAttendance(ctx, key)
		}
		b.UpdatedAt = r.now()
		return tx.PutAttendance(ctx, b)
	})
}

// Fold books t into b, replacing any earlier entry of the same transaction.
func Fold(b *ledger.AttendanceBucket, t ledger.Transaction, action ledger.Action) {
	if b.Days == nil {
		b.Days = map[string]ledger.AttendanceDay{}
	}
	dayKey := ledger.DayKey(t.Date)
	day := b.Days[dayKey]
	day.Date = dayKey

	kept := day.Entries[:0:0]
	for _, e := range day.Entries {
		if e.TransactionID != t.ID {
			kept = append(kept, e)
		}
	}
	if action == ledger.ActionApply {
		kept = append(kept, ledger.AttendanceEntry{TransactionID: t.ID, Source: SourceOf(t), Amount: t.Amount})
	}
	day.Entries = kept

	if len(day.Entries) == 0 {
		delete(b.Days, dayKey)
	} else {
		normalizeDay(&day)
		b.Days[dayKey] = day
	}
	recount(b)
}

func normalizeDay(day *ledger.AttendanceDay) {
	sort.Slice(day.Entries, func(i, j int) bool { return day.Entries[i].TransactionID < day.Entries[j].TransactionID })
	seen := make(map[string]struct{}, len(day.Entries))
	day.Sources = day.Sources[:0:0]
	for _, e := range day.Entries {
		if _, dup := seen[e.Source]; dup {
			continue
		}
		seen[e.Source] = struct{}{}
		day.Sources = append(day.Sources, e.Source)
	}
	sort.Strings(day.Sources)
	day.Count = len(day.Entries)
}

func recount(b *ledger.AttendanceBucket) {
	b.DaysPresent = len(b.Days)
	b.EventCount = 0
	for _, d := range b.Days {
		b.EventCount += d.Count
	}
}

// Build groups payroll credits into buckets from scratch. Ineligible
// transactions are skipped.
func Build(txs []ledger.Transaction, now time.Time) map[ledger.AttendanceKey]ledger.AttendanceBucket {
	out := make(map[ledger.AttendanceKey]ledger.AttendanceBucket)
	for _, t := range txs {
		if !Eligible(t) {
			continue
		}
		key := KeyFor(t)
		b, ok := out[key]
		if !ok {
			b = ledger.AttendanceBucket{AttendanceKey: key, OrganizationID: t.OrganizationID}
		}
		Fold(&b, t, ledger.ActionApply)
		b.UpdatedAt = now
		out[key] = b
	}
	return out
}

// Same reports whether two buckets record the same presence.
func Same(a, b ledger.AttendanceBucket) bool {
	if a.DaysPresent != b.DaysPresent || a.EventCount != b.EventCount || len(a.Days) != len(b.Days) {
		return false
	}
	for k, da := range a.Days {
		db, ok := b.Days[k]
		if !ok || da.Count != db.Count || len(da.Entries) != len(db.Entries) || len(da.Sources) != len(db.Sources) {
			return false
		}
		for i := range da.Entries {
			ea, eb := da.Entries[i], db.Entries[i]
			if ea.TransactionID != eb.TransactionID || ea.Source != eb.Source || !ea.Amount.Equal(eb.Amount) {
				return false
			}
		}
		for i := range da.Sources {
			if da.Sources[i] != db.Sources[i] {
				return false
			}
		}
	}
	return true
}
