//go:build integration

package integration_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/dantte-lp/udpst/internal/server"
	"github.com/dantte-lp/udpst/internal/udpst"
)

// TestServerSessionLifecycle exercises the HTTP/JSON control API's full
// run lifecycle against a real internal/server.Server, the same path
// TestCLISessionStartListShowStop exercises from udpstctl's perspective
// -- kept here as the server package's own lifecycle regression test.
func TestServerSessionLifecycle(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	runner := newFakeRunner()

	_, handler := server.New(runner, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// --- start ---
	body, _ := json.Marshal(server.StartSessionRequest{Server: "10.0.0.1:8000", Direction: "downstream"})
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	var started server.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	resp.Body.Close()
	if started.RemoteAddr != "10.0.0.1" {
		t.Errorf("start response remote_addr = %q, want %q", started.RemoteAddr, "10.0.0.1")
	}

	// --- list: expect 1 ---
	listResp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var sessions []server.SessionResponse
	if err := json.NewDecoder(listResp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	listResp.Body.Close()
	if len(sessions) != 1 {
		t.Fatalf("list count = %d, want 1", len(sessions))
	}

	// --- stop ---
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/0", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stop session: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d, want 204", delResp.StatusCode)
	}

	// --- list: expect 0 ---
	listResp2, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("list sessions after stop: %v", err)
	}
	var after []server.SessionResponse
	if err := json.NewDecoder(listResp2.Body).Decode(&after); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	listResp2.Body.Close()
	if len(after) != 0 {
		t.Fatalf("list after stop count = %d, want 0", len(after))
	}
}

// TestServerWatchStreamsEvents verifies that sub-interval and summary
// reports published through Server.OnSubInterval/OnSummary are delivered
// as ndjson lines over the run's /events stream, the boundary API's
// on_subinterval/on_summary path.
func TestServerWatchStreamsEvents(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	runner := newFakeRunner()

	apiSrv, handler := server.New(runner, logger)
	httpSrv := httptest.NewServer(handler)
	t.Cleanup(httpSrv.Close)

	started := (&cliTestEnv{baseURL: httpSrv.URL, runner: runner}).startSession(t, "10.0.0.9:8000", "downstream")

	req, err := http.NewRequest(http.MethodGet, httpSrv.URL+"/v1/sessions/"+strconv.Itoa(started.ConnIndex)+"/events", nil)
	if err != nil {
		t.Fatalf("build watch request: %v", err)
	}

	watchResp, err := httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("watch request: %v", err)
	}
	t.Cleanup(func() { watchResp.Body.Close() })

	// Give handleWatch's subscribe call a chance to register before
	// publishing, then publish one sub-interval and one summary report.
	time.Sleep(50 * time.Millisecond)

	apiSrv.OnSubInterval(udpst.SubIntervalReport{
		ConnIndex: started.ConnIndex,
		SeqNo:     1,
		Stats:     udpst.SubIntervalStats{RxDatagrams: 100, RxBytes: 150000},
		Timestamp: time.Now(),
	})
	apiSrv.OnSummary(udpst.SummaryReport{
		ConnIndex:   started.ConnIndex,
		RxDatagrams: 100,
		RxBytes:     150000,
		ElapsedTime: time.Second,
	})

	scanner := bufio.NewScanner(watchResp.Body)

	var events []server.Event
	for len(events) < 2 && scanner.Scan() {
		var evt server.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, evt)
	}

	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if events[0].Type != "subinterval" || events[0].SubInterval == nil {
		t.Errorf("event[0] = %+v, want a subinterval event", events[0])
	}
	if events[1].Type != "summary" || events[1].Summary == nil {
		t.Errorf("event[1] = %+v, want a summary event", events[1])
	}
}

// TestServerMultiConnectionGroup verifies that a multi-connection test
// group (mc_count=4) is reflected correctly across its four independent
// connection-table entries, each carrying the shared mc_count and its own
// mc_index.
func TestServerMultiConnectionGroup(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	runner := newFakeRunner()

	_, handler := server.New(runner, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	env := &cliTestEnv{baseURL: srv.URL, runner: runner}

	const mcCount = 4
	started := make([]server.SessionResponse, 0, mcCount)
	for i := range uint8(mcCount) {
		body, _ := json.Marshal(server.StartSessionRequest{
			Server:    "10.0.0.5:9100",
			Direction: "downstream",
			MCIndex:   i,
			MCCount:   mcCount,
			MCIdent:   42,
		})
		resp, err := http.Post(env.baseURL+"/v1/sessions", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("start mc connection %d: %v", i, err)
		}
		var out server.SessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode mc connection %d response: %v", i, err)
		}
		resp.Body.Close()
		started = append(started, out)
	}

	sessions := env.listSessions(t)
	if len(sessions) != mcCount {
		t.Fatalf("list count = %d, want %d", len(sessions), mcCount)
	}

	seenIndex := make(map[uint8]bool, mcCount)
	for _, s := range sessions {
		if s.MCCount != mcCount {
			t.Errorf("session conn_index=%d mc_count = %d, want %d", s.ConnIndex, s.MCCount, mcCount)
		}
		seenIndex[s.MCIndex] = true
	}
	for i := range uint8(mcCount) {
		if !seenIndex[i] {
			t.Errorf("missing mc_index %d across the group", i)
		}
	}

	// Every member got its own connection-table slot.
	slots := make(map[int]bool, mcCount)
	for _, s := range started {
		if slots[s.ConnIndex] {
			t.Errorf("duplicate conn_index %d across mc group", s.ConnIndex)
		}
		slots[s.ConnIndex] = true
	}
}
