package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"haulledger.org/internal/ledger"
	"haulledger.org/internal/lock"
	"haulledger.org/internal/obs"
)

// SweepReport combines the outcome of every rebuild of one organization year.
type SweepReport struct {
	OrganizationID string  `json:"organizationId"`
	FinancialYear  string  `json:"financialYear"`
	Ledgers        Summary `json:"ledgers"`
	Buckets        Summary `json:"buckets"`
	Attendance     Summary `json:"attendance"`
	Analytics      Summary `json:"analytics"`
	// Error is set when the organization could not be swept at all.
	Error string `json:"error,omitempty"`
}

// Total adds up the per-document summaries.
func (r SweepReport) Total() Summary {
	var s Summary
	s.DryRun = r.Ledgers.DryRun
	s.merge(r.Ledgers)
	s.merge(r.Buckets)
	s.merge(r.Attendance)
	s.merge(r.Analytics)
	if r.Error != "" {
		s.Failed++
		s.Errors = append(s.Errors, r.Error)
	}
	return s
}

// SweepOrganization rebuilds every ledger that has an account document or
// log entries in the year, then the buckets, the attendance calendar and the
// analytics document.
func (e *Engine) SweepOrganization(ctx context.Context, organizationID, fy string, opts Options) (rep SweepReport, err error) {
	ctx, span := obs.StartSpan(ctx, "rebuild.sweep",
		attribute.String("organization.id", organizationID),
		attribute.String("financial_year", fy),
	)
	defer func() { obs.EndSpan(span, err) }()

	err = e.withLock(ctx, "sweep:"+organizationID+":"+fy, func() error {
		rep, err = e.sweep(ctx, organizationID, fy, opts)
		return err
	})
	return rep, err
}

func (e *Engine) sweep(ctx context.Context, organizationID, fy string, opts Options) (SweepReport, error) {
	rep := SweepReport{OrganizationID: organizationID, FinancialYear: fy}
	rep.Ledgers = e.newSummary(opts)

	keys, err := e.ledgerKeys(ctx, organizationID, fy)
	if err != nil {
		return rep, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var res LedgerResult
		err := e.withLock(ctx, "ledger:"+key.ID(), func() error {
			var err error
			res, err = e.rebuildLedger(ctx, key, organizationID, opts, false)
			return err
		})
		switch {
		case errors.Is(err, lock.ErrLocked):
			rep.Ledgers.Skipped++
			rep.Ledgers.Errors = append(rep.Ledgers.Errors, fmt.Sprintf("ledger %s: rebuild already running", key.ID()))
		case err != nil:
			rep.Ledgers.Failed++
			rep.Ledgers.Errors = append(rep.Ledgers.Errors, fmt.Sprintf("ledger %s: %v", key.ID(), err))
			obs.LogError(obs.Logger(), "rebuild", "SweepOrganization", "ledger rebuild failed", key.ID(), err)
		case res.Skipped:
			rep.Ledgers.Skipped++
		default:
			rep.Ledgers.Succeeded++
		}
	}

	if rep.Buckets, err = e.sweepScope(ctx, "buckets", organizationID, fy, opts, e.rebuildBuckets); err != nil {
		return rep, err
	}
	if rep.Attendance, err = e.sweepScope(ctx, "attendance", organizationID, fy, opts, e.rebuildAttendance); err != nil {
		return rep, err
	}
	if rep.Analytics, err = e.sweepScope(ctx, "analytics", organizationID, fy, opts, e.rebuildAnalytics); err != nil {
		return rep, err
	}

	total := rep.Total()
	obs.Logger().WithFields(logrus.Fields{
		"module":         "rebuild",
		"organizationId": organizationID,
		"financialYear":  fy,
		"dryRun":         opts.DryRun,
		"succeeded":      total.Succeeded,
		"failed":         total.Failed,
		"skipped":        total.Skipped,
		"deleted":        total.Deleted,
	}).Info("organization sweep finished")
	return rep, nil
}

type scopeRebuild func(ctx context.Context, organizationID, fy string, opts Options) (Summary, error)

// sweepScope runs one organization-wide rebuild under the lease its
// standalone entry point takes. A scope held by another run is skipped.
func (e *Engine) sweepScope(ctx context.Context, operation, organizationID, fy string, opts Options, fn scopeRebuild) (Summary, error) {
	var sum Summary
	err := e.withLock(ctx, operation+":"+organizationID+":"+fy, func() error {
		var err error
		sum, err = fn(ctx, organizationID, fy, opts)
		return err
	})
	if errors.Is(err, lock.ErrLocked) {
		sum = e.newSummary(opts)
		sum.Skipped++
		sum.Errors = append(sum.Errors, operation+": rebuild already running")
		return sum, nil
	}
	return sum, err
}

// ledgerKeys lists every ledger of the organization year known either to the
// account documents or to the log.
func (e *Engine) ledgerKeys(ctx context.Context, organizationID, fy string) ([]ledger.AccountKey, error) {
	seen := make(map[string]ledger.AccountKey)
	accounts, err := e.store.ListAccounts(ctx, ledger.DocFilter{OrganizationID: organizationID, FinancialYear: fy})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accounts {
		seen[a.ID()] = a.AccountKey
	}
	txs, err := e.scan(ctx, ledger.TransactionFilter{OrganizationID: organizationID, FinancialYear: fy})
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		k := t.AccountKey()
		seen[k.ID()] = k
	}
	keys := make([]ledger.AccountKey, 0, len(seen))
	for _, k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID() < keys[j].ID() })
	return keys, nil
}

// SweepAll sweeps every known organization for fy. An organization that
// cannot be swept is reported with its error and the run continues; only a
// failure to list organizations or a cancelled context is returned.
func (e *Engine) SweepAll(ctx context.Context, fy string, opts Options) ([]SweepReport, error) {
	orgs, err := e.store.ListOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	reports := make([]SweepReport, 0, len(orgs))
	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := e.SweepOrganization(ctx, org, fy, opts)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return reports, cerr
			}
			obs.LogError(obs.Logger(), "rebuild", "SweepAll", "organization sweep failed", org, err)
			rep.OrganizationID, rep.FinancialYear = org, fy
			rep.Error = err.Error()
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
