package waitless

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/waitless/stability"
)

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestAPI_SessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.svc.Handler())
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}

	resp, body = do(t, srv, http.MethodPost, "/sessions", `{"url":"https://example.com/","stability":{"max_wait_time":2000}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open: %d %s", resp.StatusCode, body)
	}
	var info SessionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}
	if info.ID == "" || info.URL != "https://example.com/" || info.Config.MaxWait.Milliseconds() != 2000 {
		t.Fatalf("info: %+v", info)
	}

	resp, body = do(t, srv, http.MethodGet, "/sessions", "")
	var infos []SessionInfo
	json.Unmarshal(body, &infos)
	if resp.StatusCode != http.StatusOK || len(infos) != 1 {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodPost, "/sessions/"+info.ID+"/wait", `{"max_wait_ms":500}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait: %d %s", resp.StatusCode, body)
	}
	rep, err := stability.UnmarshalReport(body)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Stable() || rep.SessionID != info.ID {
		t.Fatalf("wait report: %+v", rep)
	}

	resp, body = do(t, srv, http.MethodGet, "/sessions/"+info.ID+"/stable", "")
	var sr StableResult
	json.Unmarshal(body, &sr)
	if resp.StatusCode != http.StatusOK || !sr.Stable || sr.Report == nil {
		t.Fatalf("stable: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodGet, "/sessions/"+info.ID+"/diagnostics", "")
	var diag stability.Diagnostics
	json.Unmarshal(body, &diag)
	if resp.StatusCode != http.StatusOK || !diag.Instrumented {
		t.Fatalf("diagnostics: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodPost, "/sessions/"+info.ID+"/actions", `{"kind":"click","selector":"#go"}`)
	var res ActionResult
	json.Unmarshal(body, &res)
	if resp.StatusCode != http.StatusOK || !res.Performed || res.Action != "click #go" {
		t.Fatalf("action: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, srv, http.MethodDelete, "/sessions/"+info.ID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close: %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodGet, "/sessions/"+info.ID+"/diagnostics", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("diagnostics after close: %d", resp.StatusCode)
	}
}

func TestAPI_ActionAborted(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.svc.Handler())
	defer srv.Close()

	sess := h.open(t, OpenRequest{OnTimeout: OnTimeoutAbort})
	_, _, tr := h.last()
	tr.network.OnRequestStart("1", "https://example.com/stream")

	resp, body := do(t, srv, http.MethodPost, "/sessions/"+sess.ID()+"/actions",
		`{"kind":"navigate","url":"https://example.com/next","max_wait_ms":50}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	var res ActionResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.Performed || res.Report == nil || res.Report.Outcome != stability.OutcomeTimedOut {
		t.Fatalf("result: %+v", res)
	}
}

func TestAPI_ActionFailed(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.svc.Handler())
	defer srv.Close()

	sess := h.open(t, OpenRequest{})
	page, _, _ := h.last()
	page.mu.Lock()
	page.fail = http.ErrNoLocation
	page.mu.Unlock()

	resp, body := do(t, srv, http.MethodPost, "/sessions/"+sess.ID()+"/actions", `{"kind":"type","selector":"#q","text":"x"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
}

func TestAPI_Errors(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.svc.Handler())
	defer srv.Close()
	sess := h.open(t, OpenRequest{})

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"unknown session", http.MethodPost, "/sessions/ses_nope/wait", "", http.StatusNotFound},
		{"bad json", http.MethodPost, "/sessions", "{", http.StatusBadRequest},
		{"bad policy", http.MethodPost, "/sessions", `{"on_timeout":"retry"}`, http.StatusBadRequest},
		{"bad action", http.MethodPost, "/sessions/" + sess.ID() + "/actions", `{"kind":"hover"}`, http.StatusBadRequest},
		{"bad signal", http.MethodGet, "/sessions/" + sess.ID() + "/stable?ignore_signals=paint", "", http.StatusBadRequest},
		{"bad number", http.MethodGet, "/sessions/" + sess.ID() + "/stable?max_wait_ms=soon", "", http.StatusBadRequest},
		{"no store", http.MethodGet, "/reports", "", http.StatusNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, srv, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status: got %d, want %d (%s)", resp.StatusCode, tc.want, body)
			}
			if !strings.Contains(string(body), `"error"`) {
				t.Fatalf("no error body: %s", body)
			}
		})
	}
}

func TestWaitQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?max_wait_ms=250&network_idle_ms=40&ignore_signals=animation,%20mutation", nil)
	req, err := waitQuery(r)
	if err != nil {
		t.Fatal(err)
	}
	if req.MaxWaitMs != 250 || req.NetworkIdleMs != 40 || len(req.IgnoreSignals) != 2 || req.IgnoreSignals[1] != stability.KindMutation {
		t.Fatalf("parsed: %+v", req)
	}
}

func TestAPI_ProfilesAndReports(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Database = filepath.Join(t.TempDir(), "waitless.db")
		cfg.Sinks = []SinkConfig{{Type: "sqlite", Only: []stability.Outcome{stability.OutcomeStable}}}
	})
	srv := httptest.NewServer(h.svc.Handler())
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPut, "/profiles", `{"url_prefix":"https://shop.example/","config":{"network_idle_time":900}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put profile: %d %s", resp.StatusCode, body)
	}
	resp, body = do(t, srv, http.MethodGet, "/profiles", "")
	var profiles []Profile
	json.Unmarshal(body, &profiles)
	if resp.StatusCode != http.StatusOK || len(profiles) != 1 || profiles[0].Config.NetworkIdle.Milliseconds() != 900 {
		t.Fatalf("profiles: %d %s", resp.StatusCode, body)
	}

	sess := h.open(t, OpenRequest{URL: "https://shop.example/cart"})
	if got := sess.Config().NetworkIdle.Milliseconds(); got != 900 {
		t.Fatalf("session network idle: %dms", got)
	}
	if _, err := sess.WaitUntilStable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.CloseSession(context.Background(), sess.ID()); err != nil {
		t.Fatal(err)
	}

	resp, body = do(t, srv, http.MethodGet, "/reports?outcome=stable&session_id="+sess.ID(), "")
	var reps []*stability.Report
	json.Unmarshal(body, &reps)
	if resp.StatusCode != http.StatusOK || len(reps) != 1 || reps[0].SessionID != sess.ID() {
		t.Fatalf("reports: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, srv, http.MethodDelete, "/profiles?prefix=https://shop.example/", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete profile: %d", resp.StatusCode)
	}
	resp, body = do(t, srv, http.MethodPut, "/profiles", `{"config":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("put without prefix: %d %s", resp.StatusCode, body)
	}
}
