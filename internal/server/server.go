// Package server implements the HTTP/JSON control-plane API for the
// udpstd daemon: start/stop a test run and stream its sub-interval and
// summary events to a caller, over plain HTTP/2 cleartext (h2c) so a
// long-lived Watch stream never needs a TLS terminator in front of it.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dantte-lp/udpst/internal/udpst"
)

// Sentinel errors for the server package.
var (
	// ErrInvalidServerAddr indicates the request's server field could not
	// be parsed as host:port.
	ErrInvalidServerAddr = errors.New("server must be a valid host:port")

	// ErrInvalidDirection indicates an unrecognized test direction.
	ErrInvalidDirection = errors.New("direction must be \"upstream\" or \"downstream\"")

	// ErrInvalidConnIndex indicates the path's connection index segment
	// was not a valid integer.
	ErrInvalidConnIndex = errors.New("invalid connection index")

	// ErrSessionNotFound indicates no session exists for the requested
	// connection index.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamingUnsupported indicates the ResponseWriter does not
	// implement http.Flusher, so Watch cannot stream incrementally.
	ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")
)

// -------------------------------------------------------------------------
// Wire Types
// -------------------------------------------------------------------------

// StartSessionRequest is the session_start request body.
type StartSessionRequest struct {
	Server    string `json:"server"`
	Direction string `json:"direction"` // "upstream" | "downstream"
	MCIndex   uint8  `json:"mc_index"`
	MCCount   uint8  `json:"mc_count"`
	MCIdent   uint16 `json:"mc_ident"`
}

// SessionResponse is the session_start response body and one element of
// the ListSessions response.
type SessionResponse struct {
	ConnIndex  int    `json:"conn_index"`
	State      string `json:"state"`
	TestType   string `json:"test_type"`
	RemoteAddr string `json:"remote_addr"`
	RemotePort uint16 `json:"remote_port"`
	LocalAddr  string `json:"local_addr,omitempty"`
	LocalPort  uint16 `json:"local_port"`
	MCIndex    uint8  `json:"mc_index"`
	MCCount    uint8  `json:"mc_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is one line of the Watch stream — the JSON rendering of
// on_subinterval, on_summary, or on_error.
type Event struct {
	Type        string                  `json:"type"` // "subinterval" | "summary" | "error"
	ConnIndex   int                     `json:"conn_index"`
	SubInterval *udpst.SubIntervalReport `json:"sub_interval,omitempty"`
	Summary     *udpst.SummaryReport     `json:"summary,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// errorResponse is the JSON body written on any 4xx/5xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// Server is a thin HTTP/JSON adapter between the boundary API
// (session_start, session_stop, on_subinterval, on_summary, on_error) and
// the in-process udpst.Runner. It mirrors how the teacher's BFDServer
// delegated every RPC straight to its bfd.Manager.
type Server struct {
	runner udpst.Runner
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int][]chan Event
}

// New builds a Server over runner and returns it alongside its
// http.Handler, wrapped with the logging/recovery middleware chain and
// h2c so a caller can speak plain HTTP/2 cleartext for the long-lived
// Watch stream. The returned *Server is what cmd/udpstd wires as the
// SubIntervalCallback/SummaryCallback passed to udpst.NewClient /
// udpst.NewServer, via its OnSubInterval/OnSummary methods.
func New(runner udpst.Runner, logger *slog.Logger) (*Server, http.Handler) {
	srv := &Server{
		runner: runner,
		logger: logger.With(slog.String("component", "server")),
		subs:   make(map[int][]chan Event),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", srv.handleStartSession)
	mux.HandleFunc("GET /v1/sessions", srv.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{index}", srv.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{index}", srv.handleStopSession)
	mux.HandleFunc("GET /v1/sessions/{index}/events", srv.handleWatch)

	handler := RecoveryMiddleware(logger)(LoggingMiddleware(logger)(mux))
	return srv, h2c.NewHandler(handler, &http2.Server{})
}

// OnSubInterval is the SubIntervalCallback wired into the Client/Server
// driving runner, publishing each report to that connection's subscribers.
func (s *Server) OnSubInterval(report udpst.SubIntervalReport) {
	s.publish(report.ConnIndex, Event{Type: "subinterval", ConnIndex: report.ConnIndex, SubInterval: &report})
}

// OnSummary is the SummaryCallback wired into the Client/Server driving
// runner, publishing each running-totals update to that connection's
// subscribers.
func (s *Server) OnSummary(report udpst.SummaryReport) {
	s.publish(report.ConnIndex, Event{Type: "summary", ConnIndex: report.ConnIndex, Summary: &report})
}

// PublishError is the on_error boundary entry: it publishes an "error"
// event for connIndex to that connection's event stream. cmd/udpstd does
// not call it, so the daemon publishes no event for watchdog expiry or
// socket errors.
func (s *Server) PublishError(connIndex int, err error) {
	s.publish(connIndex, Event{Type: "error", ConnIndex: connIndex, Error: err.Error()})
}

func (s *Server) publish(connIndex int, evt Event) {
	s.mu.Lock()
	chans := append([]chan Event(nil), s.subs[connIndex]...)
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than block the measurement loop.
		}
	}
}

func (s *Server) subscribe(connIndex int) chan Event {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subs[connIndex] = append(s.subs[connIndex], ch)
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(connIndex int, ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.subs[connIndex]
	for i, c := range chans {
		if c == ch {
			s.subs[connIndex] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

// handleStartSession implements session_start.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	startReq, err := startRequestFromWire(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := s.runner.StartSession(r.Context(), startReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("start session: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, sessionToWire(conn))
}

// handleStopSession implements session_stop.
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	idx, err := connIndexFromPath(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if ok := s.runner.StopSession(idx); !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSessions returns every live connection-table slot.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	conns := s.runner.Sessions()
	out := make([]SessionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, sessionToWire(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetSession returns a single connection by table index.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	idx, err := connIndexFromPath(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	for _, c := range s.runner.Sessions() {
		if c.Index == idx {
			writeJSON(w, http.StatusOK, sessionToWire(c))
			return
		}
	}
	writeError(w, http.StatusNotFound, ErrSessionNotFound)
}

// handleWatch implements on_subinterval/on_summary/on_error: a
// newline-delimited JSON stream of Event values for one connection,
// flushed as each is published.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	idx, err := connIndexFromPath(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrStreamingUnsupported)
		return
	}

	ch := s.subscribe(idx)
	defer s.unsubscribe(idx, ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if err := enc.Encode(evt); err != nil {
				s.logger.WarnContext(ctx, "watch stream encode failed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

// -------------------------------------------------------------------------
// Internal helpers
// -------------------------------------------------------------------------

func startRequestFromWire(req StartSessionRequest) (udpst.StartRequest, error) {
	addrPort, err := netip.ParseAddrPort(req.Server)
	if err != nil {
		return udpst.StartRequest{}, fmt.Errorf("%s: %w", req.Server, ErrInvalidServerAddr)
	}

	testType, err := testTypeFromWire(req.Direction)
	if err != nil {
		return udpst.StartRequest{}, err
	}

	return udpst.StartRequest{
		Server:   addrPort,
		TestType: testType,
		MCIndex:  req.MCIndex,
		MCCount:  req.MCCount,
		MCIdent:  req.MCIdent,
	}, nil
}

func testTypeFromWire(direction string) (udpst.TestType, error) {
	switch strings.ToLower(direction) {
	case "upstream":
		return udpst.TestTypeUpstream, nil
	case "downstream", "":
		return udpst.TestTypeDownstream, nil
	default:
		return 0, fmt.Errorf("%q: %w", direction, ErrInvalidDirection)
	}
}

func testTypeToWire(t udpst.TestType) string {
	if t == udpst.TestTypeUpstream {
		return "upstream"
	}
	return "downstream"
}

func sessionToWire(c *udpst.Connection) SessionResponse {
	return SessionResponse{
		ConnIndex:  c.Index,
		State:      c.State().String(),
		TestType:   testTypeToWire(c.TestType),
		RemoteAddr: c.RemoteAddr.String(),
		RemotePort: c.RemotePort,
		LocalAddr:  c.LocalAddr.String(),
		LocalPort:  c.LocalPort,
		MCIndex:    c.MCIndex,
		MCCount:    c.MCCount,
		CreatedAt:  c.CreatedAt,
	}
}

func connIndexFromPath(raw string) (int, error) {
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", raw, ErrInvalidConnIndex)
	}
	return idx, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
