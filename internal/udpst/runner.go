package udpst

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// ControlTransport abstracts sending a control-plane PDU to a server and
// waiting for its reply. The concrete implementation (a UDP socket with
// retry/timeout handling) lives in cmd/udpstd, which is free to import
// internal/netio; this package only depends on the interface so the
// control/data state machines stay transport-agnostic.
type ControlTransport interface {
	RoundTrip(ctx context.Context, server netip.AddrPort, request []byte) (response []byte, err error)
}

// StartRequest describes a client-initiated test run.
type StartRequest struct {
	Server    netip.AddrPort
	TestType  TestType
	MCIndex   uint8
	MCCount   uint8
	MCIdent   uint16
	StartedAt time.Time
}

// Runner is the boundary API for starting and controlling test sessions
// in-process, without the HTTP/JSON layer in internal/server. A
// cmd/udpstctl shell or an embedding program can drive a Client directly
// through this interface.
type Runner interface {
	// StartSession runs the full client handshake (Setup, optional Null
	// Request, Test-Activation) against req.Server and, on success,
	// returns the now-measuring Connection.
	StartSession(ctx context.Context, req StartRequest) (*Connection, error)

	// StopSession tears down a running or pending session by connection
	// index. Reports false if no session was running for that index.
	StopSession(connIndex int) bool

	// Sessions lists every live connection-table slot, for status
	// reporting.
	Sessions() []*Connection
}

// ClientRunner adapts a Client and a ControlTransport into a Runner,
// performing the request/response round trips a real control socket
// would otherwise require the caller to drive by hand.
type ClientRunner struct {
	client    *Client
	transport ControlTransport
}

// NewClientRunner builds a ClientRunner over an already-constructed
// Client and control-plane transport.
func NewClientRunner(client *Client, transport ControlTransport) *ClientRunner {
	return &ClientRunner{client: client, transport: transport}
}

// StartSession implements Runner.
func (r *ClientRunner) StartSession(ctx context.Context, req StartRequest) (*Connection, error) {
	peer := PeerKey{Addr: req.Server.Addr(), Port: req.Server.Port()}
	now := req.StartedAt
	if now.IsZero() {
		now = time.Now()
	}

	conn, setupWire, err := r.client.BuildSetupRequest(peer, req.TestType, now)
	if err != nil {
		return nil, fmt.Errorf("start session: build setup request: %w", err)
	}

	setupRespWire, err := r.transport.RoundTrip(ctx, req.Server, setupWire)
	if err != nil {
		r.client.Stop(conn.Index)
		return nil, fmt.Errorf("start session: setup round trip: %w", err)
	}

	setupResp, err := UnmarshalSetupPDU(setupRespWire)
	if err != nil {
		r.client.Stop(conn.Index)
		return nil, fmt.Errorf("start session: unmarshal setup response: %w", err)
	}

	taWire, err := r.client.HandleSetupResponse(ctx, setupResp, conn, req.TestType, now)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	taRespWire, err := r.transport.RoundTrip(ctx, req.Server, taWire)
	if err != nil {
		return nil, fmt.Errorf("start session: test-activation round trip: %w", err)
	}

	taResp, err := UnmarshalTestActPDU(taRespWire)
	if err != nil {
		return nil, fmt.Errorf("start session: unmarshal test-activation response: %w", err)
	}

	if err := r.client.HandleTestActResponse(ctx, taResp, conn, req.TestType, now); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	return conn, nil
}

// StopSession implements Runner.
func (r *ClientRunner) StopSession(connIndex int) bool {
	return r.client.Stop(connIndex)
}

// Sessions implements Runner.
func (r *ClientRunner) Sessions() []*Connection {
	return r.client.mgr.Live()
}
