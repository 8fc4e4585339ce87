package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"haulledger.org/internal/auth"
	"haulledger.org/internal/events"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/lock"
	"haulledger.org/internal/obs"
	"haulledger.org/internal/rebuild"
	"haulledger.org/internal/stream"
)

const serviceName = "haulledger"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyCheck reports the store as ready when it answers a ping.
type ReadyCheck struct {
	Store ledger.Store
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the collaborators behind the admin API. A nil Signer disables
// authentication, which is meant for local runs only.
type Deps struct {
	Store      ledger.Store
	Engine     *rebuild.Engine
	Dispatcher *events.Dispatcher
	Stream     *stream.Stream
	Signer     *auth.Signer
	RateBurst  int
	RatePerSec float64
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	deps      Deps
	readiness readinessChecker
	version   string
	now       func() time.Time
}

func New(deps Deps, version string) *API {
	if deps.RateBurst <= 0 {
		deps.RateBurst = 60
	}
	if deps.RatePerSec <= 0 {
		deps.RatePerSec = 20
	}
	a := &API{
		mux:       http.NewServeMux(),
		deps:      deps,
		readiness: ReadyCheck{Store: deps.Store},
		version:   version,
		now:       func() time.Time { return time.Now().UTC() },
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("GET /v1/ledgers/{kind}/{entity}/{fy}", a.guard(auth.RoleViewer, a.getLedger))
	a.mux.Handle("GET /v1/ledgers/{kind}/{entity}/{fy}/months", a.guard(auth.RoleViewer, a.getMonths))
	a.mux.Handle("GET /v1/attendance/{employee}/{fy}", a.guard(auth.RoleViewer, a.getAttendance))
	a.mux.Handle("GET /v1/analytics/{org}/{fy}", a.guard(auth.RoleViewer, a.getAnalytics))
	a.mux.Handle("GET /v1/transactions", a.guard(auth.RoleViewer, a.listTransactions))
	a.mux.Handle("GET /v1/stream", a.guard(auth.RoleViewer, a.Stream))

	a.mux.Handle("POST /v1/rebuild/ledger", a.guard(auth.RoleAdmin, a.rebuildLedger))
	a.mux.Handle("POST /v1/rebuild/buckets", a.guard(auth.RoleAdmin, a.rebuildBuckets))
	a.mux.Handle("POST /v1/rebuild/attendance", a.guard(auth.RoleAdmin, a.rebuildAttendance))
	a.mux.Handle("POST /v1/rebuild/analytics", a.guard(auth.RoleAdmin, a.rebuildAnalytics))
	a.mux.Handle("POST /v1/rebuild/sweep", a.guard(auth.RoleAdmin, a.sweep))

	a.mux.Handle("POST /v1/events", a.guard(auth.RolePublisher, a.postEvent))

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = RateLimit(h, a.deps.RateBurst, a.deps.RatePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    a.now().Format(time.RFC3339),
		"version": a.version,
		"fy":      ledger.ResolveFinancialYear(a.now()),
	}
	if a.deps.Stream != nil {
		info["subscribers"] = a.deps.Stream.Subscribers()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrInvalidTransaction), errors.Is(err, events.ErrMalformed):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, lock.ErrLocked):
		writeError(w, r, http.StatusConflict, "another run holds the lock")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.LogError(obs.Logger(), "httpapi", "handleError", r.Method+" "+r.URL.Path, RequestIDFromContext(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

const maxBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
