package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"haulledger.org/internal/ledger"
)

func accountKeyFromPath(r *http.Request) (ledger.AccountKey, error) {
	kind, err := ledger.ParseKind(r.PathValue("kind"))
	if err != nil {
		return ledger.AccountKey{}, err
	}
	return ledger.AccountKey{
		Kind:          kind,
		EntityID:      strings.TrimSpace(r.PathValue("entity")),
		FinancialYear: strings.TrimSpace(r.PathValue("fy")),
	}, nil
}

func (a *API) getLedger(w http.ResponseWriter, r *http.Request) {
	key, err := accountKeyFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.deps.Store.GetAccount(r.Context(), key)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getMonths(w http.ResponseWriter, r *http.Request) {
	key, err := accountKeyFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buckets, err := a.deps.Store.ListBuckets(r.Context(), ledger.DocFilter{Account: &key})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []ledger.MonthlyBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": key,
		"months":  buckets,
	})
}

func (a *API) getAttendance(w http.ResponseWriter, r *http.Request) {
	f := ledger.DocFilter{
		EmployeeID:     strings.TrimSpace(r.PathValue("employee")),
		FinancialYear:  strings.TrimSpace(r.PathValue("fy")),
		OrganizationID: strings.TrimSpace(r.URL.Query().Get("org")),
	}
	months, err := a.deps.Store.ListAttendance(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if months == nil {
		months = []ledger.AttendanceBucket{}
	}
	present := 0
	for _, m := range months {
		present += m.DaysPresent
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"employeeId":    f.EmployeeID,
		"financialYear": f.FinancialYear,
		"daysPresent":   present,
		"months":        months,
	})
}

func (a *API) getAnalytics(w http.ResponseWriter, r *http.Request) {
	key := ledger.AnalyticsKey{
		OrganizationID: strings.TrimSpace(r.PathValue("org")),
		FinancialYear:  strings.TrimSpace(r.PathValue("fy")),
	}
	doc, err := a.deps.Store.GetAnalytics(r.Context(), key)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// listTransactions pages through the canonical log.
func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TransactionFilter{
		OrganizationID: strings.TrimSpace(q.Get("org")),
		FinancialYear:  strings.TrimSpace(q.Get("fy")),
		EntityID:       strings.TrimSpace(q.Get("entity")),
	}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := ledger.ParseKind(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		f.Kind = kind
	}
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}

	txs, next, err := a.deps.Store.ScanTransactions(r.Context(), f, strings.TrimSpace(q.Get("after")), limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	resp := map[string]any{"items": txs}
	if next != "" {
		resp["next_after"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
