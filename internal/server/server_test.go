package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/udpst/internal/server"
	"github.com/dantte-lp/udpst/internal/udpst"
)

var errFakeStart = errors.New("fake runner: start failed")

// fakeRunner is a udpst.Runner test double that never touches the network.
type fakeRunner struct {
	nextIndex int
	conns     map[int]*udpst.Connection
	stopped   map[int]bool
	failStart bool
	lastStart udpst.StartRequest
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{conns: make(map[int]*udpst.Connection), stopped: make(map[int]bool)}
}

func (f *fakeRunner) StartSession(_ context.Context, req udpst.StartRequest) (*udpst.Connection, error) {
	f.lastStart = req
	if f.failStart {
		return nil, errFakeStart
	}
	conn := &udpst.Connection{Index: f.nextIndex, TestType: req.TestType, CreatedAt: time.Now()}
	conn.RemoteAddr, conn.RemotePort = req.Server.Addr(), req.Server.Port()
	f.conns[f.nextIndex] = conn
	f.nextIndex++
	return conn, nil
}

func (f *fakeRunner) StopSession(connIndex int) bool {
	if _, ok := f.conns[connIndex]; !ok || f.stopped[connIndex] {
		return false
	}
	f.stopped[connIndex] = true
	return true
}

func (f *fakeRunner) Sessions() []*udpst.Connection {
	out := make([]*udpst.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHandleStartSession(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	_, handler := server.New(runner, testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	body := `{"server":"198.51.100.1:25000","direction":"downstream","mc_count":1}`
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var got server.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RemotePort != 25000 {
		t.Errorf("RemotePort = %d, want 25000", got.RemotePort)
	}
	if got.TestType != "downstream" {
		t.Errorf("TestType = %q, want %q", got.TestType, "downstream")
	}
	if runner.lastStart.Server.Addr() != netip.MustParseAddr("198.51.100.1") {
		t.Errorf("runner saw server addr %v, want 198.51.100.1", runner.lastStart.Server.Addr())
	}
}

func TestHandleStartSessionInvalidServerAddr(t *testing.T) {
	t.Parallel()

	_, handler := server.New(newFakeRunner(), testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	body := `{"server":"not-an-address","direction":"downstream"}`
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandleStartSessionInvalidDirection(t *testing.T) {
	t.Parallel()

	_, handler := server.New(newFakeRunner(), testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	body := `{"server":"198.51.100.1:25000","direction":"sideways"}`
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandleStartSessionRunnerFailure(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.failStart = true
	_, handler := server.New(runner, testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	body := `{"server":"198.51.100.1:25000","direction":"upstream"}`
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
}

func TestHandleStopSession(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	_, handler := server.New(runner, testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, _ = runner.StartSession(context.Background(), udpst.StartRequest{
		Server: netip.MustParseAddrPort("198.51.100.1:25000"),
	})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/0", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/sessions/0: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	// Second stop should 404 -- already stopped.
	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/0", nil)
	resp2, err := srv.Client().Do(req2)
	if err != nil {
		t.Fatalf("DELETE /v1/sessions/0 (second): %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second stop status = %d, want %d", resp2.StatusCode, http.StatusNotFound)
	}
}

func TestHandleStopSessionUnknownIndex(t *testing.T) {
	t.Parallel()

	_, handler := server.New(newFakeRunner(), testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/999", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/sessions/999: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHandleListAndGetSession(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	_, handler := server.New(runner, testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, _ = runner.StartSession(context.Background(), udpst.StartRequest{
		Server: netip.MustParseAddrPort("198.51.100.1:25000"),
	})
	_, _ = runner.StartSession(context.Background(), udpst.StartRequest{
		Server: netip.MustParseAddrPort("198.51.100.2:25000"),
	})

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET /v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	var list []server.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}

	resp2, err := http.Get(srv.URL + "/v1/sessions/0")
	if err != nil {
		t.Fatalf("GET /v1/sessions/0: %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp2.StatusCode, http.StatusOK)
	}

	var got server.SessionResponse
	if err := json.NewDecoder(resp2.Body).Decode(&got); err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if got.ConnIndex != 0 {
		t.Errorf("ConnIndex = %d, want 0", got.ConnIndex)
	}
}

func TestHandleGetSessionNotFound(t *testing.T) {
	t.Parallel()

	_, handler := server.New(newFakeRunner(), testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/sessions/42")
	if err != nil {
		t.Fatalf("GET /v1/sessions/42: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHandleWatchStreamsSubIntervalAndSummaryEvents(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	srvObj, handler := server.New(runner, testLogger())

	httpSrv := httptest.NewServer(handler)
	t.Cleanup(httpSrv.Close)

	resp, err := http.Get(httpSrv.URL + "/v1/sessions/0/events")
	if err != nil {
		t.Fatalf("GET /v1/sessions/0/events: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	srvObj.OnSubInterval(udpst.SubIntervalReport{ConnIndex: 0, SeqNo: 1})
	srvObj.OnSummary(udpst.SummaryReport{ConnIndex: 0, RxDatagrams: 10})

	scanner := bufio.NewScanner(resp.Body)

	if !scanner.Scan() {
		t.Fatal("expected first event line")
	}
	var first server.Event
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil {
		t.Fatalf("unmarshal first event: %v", err)
	}
	if first.Type != "subinterval" {
		t.Errorf("first.Type = %q, want %q", first.Type, "subinterval")
	}

	if !scanner.Scan() {
		t.Fatal("expected second event line")
	}
	var second server.Event
	if err := json.Unmarshal(scanner.Bytes(), &second); err != nil {
		t.Fatalf("unmarshal second event: %v", err)
	}
	if second.Type != "summary" {
		t.Errorf("second.Type = %q, want %q", second.Type, "summary")
	}
}

func TestPublishError(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	srvObj, handler := server.New(runner, testLogger())

	httpSrv := httptest.NewServer(handler)
	t.Cleanup(httpSrv.Close)

	resp, err := http.Get(httpSrv.URL + "/v1/sessions/0/events")
	if err != nil {
		t.Fatalf("GET /v1/sessions/0/events: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	srvObj.PublishError(0, errFakeStart)

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatal("expected error event line")
	}
	var evt server.Event
	if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != "error" {
		t.Errorf("Type = %q, want %q", evt.Type, "error")
	}
	if evt.Error == "" {
		t.Error("Error is empty, want fake start error message")
	}
}
