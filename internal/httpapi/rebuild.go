package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"haulledger.org/internal/audit"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/rebuild"
)

var validate = validator.New()

// rebuildRequest is shared by every rebuild endpoint. Runs are dry unless
// Confirm is set.
type rebuildRequest struct {
	OrganizationID string `json:"organizationId"`
	FinancialYear  string `json:"financialYear"`
	Kind           string `json:"ledgerKind"`
	EntityID       string `json:"entityId"`
	Confirm        bool   `json:"confirm"`
	Resume         bool   `json:"resume"`
	BatchSize      int    `json:"batchSize" validate:"gte=0,lte=500"`
}

func (req rebuildRequest) options() rebuild.Options {
	return rebuild.Options{
		DryRun:    !req.Confirm,
		BatchSize: req.BatchSize,
		Resume:    req.Resume,
	}
}

func (req rebuildRequest) auditFields() map[string]any {
	return map[string]any{
		"organizationId": req.OrganizationID,
		"financialYear":  req.FinancialYear,
		"ledgerKind":     req.Kind,
		"entityId":       req.EntityID,
		"confirm":        req.Confirm,
		"resume":         req.Resume,
	}
}

type orgYearRequest struct {
	OrganizationID string `validate:"required"`
	FinancialYear  string `validate:"required"`
}

type ledgerRequest struct {
	Kind           string `validate:"required"`
	EntityID       string `validate:"required"`
	FinancialYear  string `validate:"required"`
	OrganizationID string
}

// readRebuild decodes and normalizes the body. A missing financial year
// defaults to the current one.
func (a *API) readRebuild(w http.ResponseWriter, r *http.Request) (rebuildRequest, bool) {
	var req rebuildRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	req.FinancialYear = strings.TrimSpace(req.FinancialYear)
	req.Kind = strings.TrimSpace(req.Kind)
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.FinancialYear == "" {
		req.FinancialYear = ledger.ResolveFinancialYear(a.now())
	}
	if _, err := ledger.FinancialYearStart(req.FinancialYear); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid financialYear")
		return req, false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (a *API) requireOrgYear(w http.ResponseWriter, r *http.Request, req rebuildRequest) bool {
	if err := validate.Struct(orgYearRequest{OrganizationID: req.OrganizationID, FinancialYear: req.FinancialYear}); err != nil {
		writeError(w, r, http.StatusBadRequest, "organizationId is required")
		return false
	}
	return true
}

func (a *API) rebuildLedger(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readRebuild(w, r)
	if !ok {
		return
	}
	if err := validate.Struct(ledgerRequest{Kind: req.Kind, EntityID: req.EntityID, FinancialYear: req.FinancialYear}); err != nil {
		writeError(w, r, http.StatusBadRequest, "ledgerKind and entityId are required")
		return
	}
	kind, err := ledger.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "rebuild.ledger", req.auditFields())

	key := ledger.AccountKey{Kind: kind, EntityID: req.EntityID, FinancialYear: req.FinancialYear}
	res, err := a.deps.Engine.RebuildLedger(r.Context(), key, req.OrganizationID, req.options())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) rebuildBuckets(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readRebuild(w, r)
	if !ok || !a.requireOrgYear(w, r, req) {
		return
	}
	_ = audit.LogEvent(r.Context(), "rebuild.buckets", req.auditFields())

	sum, err := a.deps.Engine.RebuildMonthlyBuckets(r.Context(), req.OrganizationID, req.FinancialYear, req.options())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) rebuildAttendance(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readRebuild(w, r)
	if !ok || !a.requireOrgYear(w, r, req) {
		return
	}
	_ = audit.LogEvent(r.Context(), "rebuild.attendance", req.auditFields())

	sum, err := a.deps.Engine.RebuildAttendance(r.Context(), req.OrganizationID, req.FinancialYear, req.options())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) rebuildAnalytics(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readRebuild(w, r)
	if !ok || !a.requireOrgYear(w, r, req) {
		return
	}
	_ = audit.LogEvent(r.Context(), "rebuild.analytics", req.auditFields())

	sum, err := a.deps.Engine.RebuildAnalytics(r.Context(), req.OrganizationID, req.FinancialYear, req.options())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// sweep covers one organization, or all of them when organizationId is empty.
func (a *API) sweep(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readRebuild(w, r)
	if !ok {
		return
	}
	_ = audit.LogEvent(r.Context(), "rebuild.sweep", req.auditFields())

	if req.OrganizationID != "" {
		rep, err := a.deps.Engine.SweepOrganization(r.Context(), req.OrganizationID, req.FinancialYear, req.options())
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reports": []rebuild.SweepReport{rep},
			"total":   rep.Total(),
		})
		return
	}

	reps, err := a.deps.Engine.SweepAll(r.Context(), req.FinancialYear, req.options())
	if err != nil {
		handleError(w, r, err)
		return
	}
	var total rebuild.Summary
	total.DryRun = !req.Confirm
	for _, rep := range reps {
		t := rep.Total()
		total.Succeeded += t.Succeeded
		total.Failed += t.Failed
		total.Skipped += t.Skipped
		total.Deleted += t.Deleted
		total.Errors = append(total.Errors, t.Errors...)
	}
	if reps == nil {
		reps = []rebuild.SweepReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reps,
		"total":   total,
	})
}
