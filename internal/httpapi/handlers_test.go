package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"haulledger.org/internal/auth"
	"haulledger.org/internal/events"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/materializer"
	"haulledger.org/internal/rebuild"
	"haulledger.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	signer  *auth.Signer
	store   *ledger.InMemory
	stream  *stream.Stream
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	store := ledger.NewInMemory()
	st := stream.New()
	m := materializer.New(store, materializer.WithPublisher(st))

	api := New(Deps{
		Store:      store,
		Engine:     rebuild.New(store),
		Dispatcher: events.NewDispatcher(m),
		Stream:     st,
		Signer:     signer,
		RateBurst:  1000,
		RatePerSec: 1000,
	}, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		signer:  signer,
		store:   store,
		stream:  st,
		t:       t,
	}
}

func (c *apiClient) token(user string, roles ...string) map[string]string {
	c.t.Helper()
	tok, err := c.signer.GenerateToken(user, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, code int) {
	t.Helper()
	if r.StatusCode != code {
		defer r.Body.Close()
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		t.Fatalf("expected status %d, got %d: %s", code, r.StatusCode, body.String())
	}
}

func sampleTx(id string) ledger.Transaction {
	return ledger.Transaction{
		ID:             id,
		OrganizationID: "org-1",
		EntityID:       "vendor-9",
		Kind:           ledger.KindPayable,
		Entry:          ledger.Credit,
		Amount:         decimal.NewFromInt(250),
		FinancialYear:  "2425",
		Date:           time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
	}
}

func eventBody(action string, tx ledger.Transaction) map[string]any {
	return map[string]any{"eventId": "e-" + tx.ID, "action": action, "transaction": tx}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = api.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/info", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["name"] != serviceName {
		t.Fatalf("unexpected info payload: %v", info)
	}
}

func TestEventsMaterializeLedger(t *testing.T) {
	api := newTestAPI(t)
	publisher := api.token("upstream", auth.RolePublisher)
	viewer := api.token("ops", auth.RoleViewer)

	tx, err := api.store.InsertTransaction(context.Background(), sampleTx("t1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := api.post("/v1/events", eventBody("created", tx), publisher)
	expectStatus(t, resp, http.StatusOK)
	res := decode[map[string]any](t, resp)
	if res["balanceAfter"] != "250" {
		t.Fatalf("unexpected result: %v", res)
	}

	resp = api.get("/v1/ledgers/payable/vendor-9/2425", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	acc := decode[map[string]any](t, resp)
	if acc["currentBalance"] != "250" {
		t.Fatalf("unexpected balance: %v", acc["currentBalance"])
	}

	resp = api.get("/v1/ledgers/vendor/vendor-9/2425/months", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	months := decode[map[string]any](t, resp)
	list, ok := months["months"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one month bucket, got %v", months["months"])
	}

	resp = api.get("/v1/transactions", url.Values{"org": {"org-1"}, "limit": {"10"}}, viewer)
	expectStatus(t, resp, http.StatusOK)
	page := decode[map[string]any](t, resp)
	if items, ok := page["items"].([]any); !ok || len(items) != 1 {
		t.Fatalf("expected one logged transaction, got %v", page["items"])
	}
}

func TestEventsRejectMalformedDirectCall(t *testing.T) {
	api := newTestAPI(t)
	publisher := api.token("upstream", auth.RolePublisher)

	resp := api.post("/v1/events", []byte(`{"action":"updated","transaction":{}}`), publisher)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestEventsDropMalformedPush(t *testing.T) {
	api := newTestAPI(t)
	publisher := api.token("upstream", auth.RolePublisher)

	envelope := map[string]any{
		"message": map[string]any{
			"data":      []byte(`{"action":"created","transaction":{"id":""}}`),
			"messageId": "m-1",
		},
		"subscription": "projects/p/subscriptions/ledger",
	}
	resp := api.post("/v1/events", envelope, publisher)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["status"] != "dropped" || body["messageId"] != "m-1" {
		t.Fatalf("unexpected push response: %v", body)
	}
}

func TestEventsAcceptPushEnvelope(t *testing.T) {
	api := newTestAPI(t)
	publisher := api.token("upstream", auth.RolePublisher)

	tx, err := api.store.InsertTransaction(context.Background(), sampleTx("t2"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	data, err := json.Marshal(eventBody("created", tx))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp := api.post("/v1/events", map[string]any{
		"message": map[string]any{"data": data, "messageId": "m-2"},
	}, publisher)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	acc, err := api.store.GetAccount(context.Background(), tx.AccountKey())
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.CurrentBalance.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("unexpected balance %s", acc.CurrentBalance)
	}
}

func TestRoutesEnforceRoles(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/ledgers/payable/vendor-9/2425", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/v1/ledgers/payable/vendor-9/2425", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	viewer := api.token("ops", auth.RoleViewer)
	resp = api.post("/v1/rebuild/sweep", map[string]any{"organizationId": "org-1"}, viewer)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/events", eventBody("created", sampleTx("t9")), viewer)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestLedgerLookupErrors(t *testing.T) {
	api := newTestAPI(t)
	viewer := api.token("ops", auth.RoleViewer)

	resp := api.get("/v1/ledgers/bogus/vendor-9/2425", nil, viewer)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.get("/v1/ledgers/payable/nobody/2425", nil, viewer)
	expectStatus(t, resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body: %v", body)
	}

	resp = api.get("/v1/transactions", url.Values{"limit": {"-1"}}, viewer)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRebuildLedgerIsDryUnlessConfirmed(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("ops", auth.RoleAdmin)
	ctx := context.Background()

	tx, err := api.store.InsertTransaction(ctx, sampleTx("t1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	req := map[string]any{
		"organizationId": "org-1",
		"financialYear":  "2425",
		"ledgerKind":     "payable",
		"entityId":       "vendor-9",
	}

	resp := api.post("/v1/rebuild/ledger", req, admin)
	expectStatus(t, resp, http.StatusOK)
	dry := decode[map[string]any](t, resp)
	if dry["dryRun"] != true || dry["newBalance"] != "250" {
		t.Fatalf("unexpected dry run result: %v", dry)
	}
	if _, err := api.store.GetAccount(ctx, tx.AccountKey()); err == nil {
		t.Fatal("dry run must not write the ledger")
	}

	req["confirm"] = true
	resp = api.post("/v1/rebuild/ledger", req, admin)
	expectStatus(t, resp, http.StatusOK)
	applied := decode[map[string]any](t, resp)
	if applied["dryRun"] != false {
		t.Fatalf("unexpected confirmed result: %v", applied)
	}
	acc, err := api.store.GetAccount(ctx, tx.AccountKey())
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.CurrentBalance.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("unexpected rebuilt balance %s", acc.CurrentBalance)
	}
}

func TestRebuildValidatesRequest(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("ops", auth.RoleAdmin)

	resp := api.post("/v1/rebuild/ledger", map[string]any{"organizationId": "org-1"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/rebuild/buckets", map[string]any{"financialYear": "2425"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/rebuild/buckets", map[string]any{"organizationId": "org-1", "unknown": 1}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/rebuild/attendance", map[string]any{"organizationId": "org-1", "financialYear": "garbage"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSweepReportsPerOrganization(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("ops", auth.RoleAdmin)

	if _, err := api.store.InsertTransaction(context.Background(), sampleTx("t1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := api.post("/v1/rebuild/sweep", map[string]any{"financialYear": "2425"}, admin)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	reports, ok := body["reports"].([]any)
	if !ok || len(reports) != 1 {
		t.Fatalf("expected one organization report, got %v", body["reports"])
	}
	total, ok := body["total"].(map[string]any)
	if !ok || total["dryRun"] != true {
		t.Fatalf("expected a dry-run total, got %v", body["total"])
	}
}

func TestSweepSurfacesFailedBatchesInTally(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("ops", auth.RoleAdmin)

	if _, err := api.store.InsertTransaction(context.Background(), sampleTx("t1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	api.store.InjectFault(func(op string) error {
		if op == "PutBucket" {
			return errors.New("bucket write refused")
		}
		return nil
	})

	resp := api.post("/v1/rebuild/sweep", map[string]any{"financialYear": "2425", "confirm": true}, admin)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	total, ok := body["total"].(map[string]any)
	if !ok {
		t.Fatalf("expected a total, got %v", body)
	}
	if total["failed"] != float64(1) || total["succeeded"] == float64(0) {
		t.Fatalf("expected one failed document next to the successes, got %v", total)
	}
	if errs, _ := total["errors"].([]any); len(errs) == 0 {
		t.Fatalf("expected the batch error in the tally, got %v", total)
	}
	reports, _ := body["reports"].([]any)
	if len(reports) != 1 {
		t.Fatalf("expected one organization report, got %v", body["reports"])
	}
	buckets := reports[0].(map[string]any)["buckets"].(map[string]any)
	if buckets["failed"] != float64(1) {
		t.Fatalf("bucket summary = %v", buckets)
	}

	resp = api.post("/v1/rebuild/sweep", map[string]any{"organizationId": "org-1", "financialYear": "2425", "confirm": true}, admin)
	expectStatus(t, resp, http.StatusOK)
	body = decode[map[string]any](t, resp)
	if total, _ := body["total"].(map[string]any); total["failed"] != float64(1) {
		t.Fatalf("single organization sweep total = %v", body["total"])
	}
}

func TestStreamDeliversBalanceChanges(t *testing.T) {
	api := newTestAPI(t)
	viewer := api.token("ops", auth.RoleViewer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/stream?org=org-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", viewer["Authorization"])
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected preamble %q: %v", line, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for api.stream.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	api.stream.Publish(stream.BalanceChange{
		OrganizationID: "org-1",
		TransactionID:  "t1",
		Action:         "apply",
		After:          decimal.NewFromInt(250),
	})

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var evt map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt["transactionId"] != "t1" || evt["balanceAfter"] != "250" {
		t.Fatalf("unexpected event: %v", evt)
	}
}
