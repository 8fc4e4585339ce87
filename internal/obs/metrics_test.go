package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/ledgers/receivable/c-1/FY2425": "/v1/ledgers/:kind/:entity/:fy",
		"/v1/ledgers/receivable/c-1/FY2425/months":   "/v1/ledgers/:kind/:entity/:fy/months",
		"/v1/ledgers/receivable/c-1/FY2425/other":    "/v1/ledgers/receivable/c-1/FY2425/other",
		"/v1/attendance/e-7/FY2425":                  "/v1/attendance/:employee/:fy",
		"/v1/analytics/org-1/FY2425?from=2024-04-01": "/v1/analytics/:org/:fy",
		"/v1/rebuild/ledger":                         "/v1/rebuild/ledger",
		"/v1/events":                                 "/v1/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogErrorFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	LogError(Logger(), "rebuild", "RebuildLedger", "mirror failed", map[string]string{"entity": "c-1"}, errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["module"] != "rebuild" || entry["funcName"] != "RebuildLedger" || entry["msg"] != "boom" || entry["level"] != "error" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
