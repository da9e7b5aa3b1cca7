package udpst

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientPolicy configures the parameters a Client advertises on Setup and
// Test-Activation requests.
type ClientPolicy struct {
	MCIndex, MCCount uint8
	MCIdent          uint16
	MaxBandwidthMbps uint16
	Jumbo            bool
	AuthMode         AuthMode
	AuthKeyID        uint8
	AuthKey          []byte

	LowThresh, UpperThresh                      uint32 // ms
	TrialInt, SubIntPeriod, TestIntTime         time.Duration
	WatchdogExpiry                              time.Duration
	SeqErrThresh, HighSpeedDelta, SlowAdjThresh uint32
	RateAdjAlgo                                 RateAdjAlgo
	IgnoreOooDup, RandPayload                   bool
	StartIndexConf                              uint16 // CHTASrIdxDef requests adaptive start index
	DSCPEcn                                     uint8  // requested DSCP/ECN codepoint; server may clamp down
}

// Client drives the client-role Control State Machine (C4): it builds the
// Setup (CHSR) and Test-Activation (CHTA) requests, processes the
// server's responses, and spawns the connection's Data State Machine
// (C5) session once Test-Activation completes.
type Client struct {
	mgr       *Manager
	policy    ClientPolicy
	opener    DataPlaneOpener
	spawner   SessionSpawner
	rateTable []SendingRate

	subIntervalCB SubIntervalCallback
	summaryCB     SummaryCallback

	mu       sync.Mutex
	pending  map[int]*pendingConn
	sessions map[int]*Session

	logger *slog.Logger
}

// NewClient builds a Client over mgr's connection table.
func NewClient(mgr *Manager, policy ClientPolicy, opener DataPlaneOpener, spawner SessionSpawner, subIntervalCB SubIntervalCallback, summaryCB SummaryCallback, logger *slog.Logger) *Client {
	return &Client{
		mgr:           mgr,
		policy:        policy,
		opener:        opener,
		spawner:       spawner,
		rateTable:     BuildSendingRateTable(),
		subIntervalCB: subIntervalCB,
		summaryCB:     summaryCB,
		pending:       make(map[int]*pendingConn),
		sessions:      make(map[int]*Session),
		logger:        logger.With(slog.String("component", "udpst.client")),
	}
}

// BuildSetupRequest allocates a connection-table slot for serverPeer (the
// control-plane rendezvous address) and returns the signed Setup request
// to send there.
func (c *Client) BuildSetupRequest(serverPeer PeerKey, testType TestType, now time.Time) (*Connection, []byte, error) {
	idx, err := c.mgr.NewConn(ConnTypeData, serverPeer)
	if err != nil {
		return nil, nil, fmt.Errorf("build setup request: %w", err)
	}
	conn, _ := c.mgr.Get(idx)
	conn.RemoteAddr, conn.RemotePort = serverPeer.Addr, serverPeer.Port
	conn.ProtocolVer = ProtocolVer
	conn.MCIndex, conn.MCCount, conn.MCIdent = c.policy.MCIndex, c.policy.MCCount, c.policy.MCIdent
	conn.CreatedAt = now
	conn.AuthMode = c.policy.AuthMode
	conn.SetState(ConnCreated)

	req := &SetupPDU{
		ProtocolVer: ProtocolVer,
		MCIndex:     c.policy.MCIndex,
		MCCount:     c.policy.MCCount,
		MCIdent:     c.policy.MCIdent,
		CmdRequest:  CHSRReqSetup,
		MaxBandwidth: c.policy.MaxBandwidthMbps,
	}
	if testType == TestTypeUpstream {
		req.MaxBandwidth |= uint16(CHSRUsDirBit)
	}
	if c.policy.Jumbo {
		req.ModifierBitmap |= CHSRJumboStatus
	} else {
		req.ModifierBitmap |= CHSRTraditionalMTU
	}
	if c.policy.AuthMode == AuthModeHMAC {
		req.Auth.AuthMode = AuthModeHMAC
	}

	buf := make([]byte, SetupPDUSize)
	if _, merr := req.Marshal(buf); merr != nil {
		_ = c.mgr.InitConn(idx)
		return nil, nil, merr
	}
	if c.policy.AuthMode == AuthModeHMAC {
		InsertAuth(buf, &req.Auth, c.policy.AuthKeyID, c.policy.AuthKey, now)
	}

	c.mu.Lock()
	c.pending[idx] = &pendingConn{
		authKey:      c.policy.AuthKey,
		authKeyID:    c.policy.AuthKeyID,
		authUnixTime: req.Auth.AuthUnixTime,
	}
	c.mu.Unlock()

	return conn, buf, nil
}

// HandleSetupResponse processes the server's Setup response: on
// CHSRAckOK, it connects the data-plane socket to the advertised test
// port and returns the Test-Activation request to send next.
func (c *Client) HandleSetupResponse(ctx context.Context, resp *SetupPDU, conn *Connection, testType TestType, now time.Time) ([]byte, error) {
	if resp.CmdResponse != CHSRAckOK {
		_ = c.mgr.InitConn(conn.Index)
		return nil, fmt.Errorf("setup rejected: %s", resp.CmdResponse)
	}

	conn.RemotePort = resp.TestPort
	result := ApplyEvent(conn.State(), EventRecvCHSRResp)
	conn.SetState(result.NewState)

	sender, localPort, err := c.opener.OpenDataSocket(ctx, conn)
	if err != nil {
		_ = c.mgr.InitConn(conn.Index)
		return nil, fmt.Errorf("connect data socket: %w", err)
	}
	conn.LocalPort = localPort

	c.mu.Lock()
	pending, ok := c.pending[conn.Index]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("handle setup response: no pending connection state for index %d", conn.Index)
	}
	pending.sender = sender

	if conn.AuthMode == AuthModeHMAC && conn.ProtocolVer >= ExtAuthPVer {
		// Must derive from the authUnixTime the client itself signed into
		// its original CHSR, not the current clock, or the server (which
		// derives from that same signed timestamp) lands on different keys.
		conn.KDF = DeriveKDFKeys(string(c.policy.AuthKey), pending.authUnixTime)
	}

	req := &TestActPDU{
		ProtocolVer:    conn.ProtocolVer,
		CmdRequest:     activationRequest(testType),
		LowThresh:      uint16(c.policy.LowThresh),   //nolint:gosec // protocol-range values
		UpperThresh:    uint16(c.policy.UpperThresh), //nolint:gosec // protocol-range values
		TrialInt:       uint16(c.policy.TrialInt.Milliseconds()),
		TestIntTime:    uint16(c.policy.TestIntTime.Seconds()),
		SrIndexConf:    c.policy.StartIndexConf,
		HighSpeedDelta: uint8(c.policy.HighSpeedDelta), //nolint:gosec // protocol-range values
		SlowAdjThresh:  uint16(c.policy.SlowAdjThresh),
		SeqErrThresh:   uint16(c.policy.SeqErrThresh),
		RateAdjAlgo:    c.policy.RateAdjAlgo,
		SubIntPeriod:   uint16(c.policy.SubIntPeriod.Milliseconds()),
		DSCPEcn:        c.policy.DSCPEcn,
	}
	if c.policy.IgnoreOooDup {
		req.IgnoreOooDup = 1
	}
	if c.policy.StartIndexConf != CHTASrIdxDef {
		req.ModifierBitmap |= CHTASrIdxIsStart
	}
	if c.policy.RandPayload {
		req.ModifierBitmap |= CHTARandPayload
	}
	if conn.AuthMode == AuthModeHMAC {
		req.Auth.AuthMode = AuthModeHMAC
	}

	buf := make([]byte, req.Size())
	if _, merr := req.Marshal(buf); merr != nil {
		return nil, merr
	}
	if conn.AuthMode == AuthModeHMAC && req.ProtocolVer >= ExtAuthPVer {
		InsertAuth(buf, &req.Auth, c.policy.AuthKeyID, c.policy.AuthKey, now)
	}
	return buf, nil
}

// HandleNullReq acknowledges the server's post-setup firewall/NAT primer.
// It carries no state change (per the Control State Machine table) and
// exists so the control layer has a symmetric handler for every inbound
// PDU family.
func (c *Client) HandleNullReq(conn *Connection) {
	result := ApplyEvent(conn.State(), EventRecvCHNR)
	conn.SetState(result.NewState)
}

// HandleTestActResponse processes the server's Test-Activation response:
// on CHTAAckOK, it arms the terminal watchdog and spawns the connection's
// Data State Machine session.
func (c *Client) HandleTestActResponse(ctx context.Context, resp *TestActPDU, conn *Connection, testType TestType, now time.Time) error {
	if resp.CmdResponse != CHTAAckOK {
		_ = c.mgr.InitConn(conn.Index)
		return fmt.Errorf("test activation rejected: %s", resp.CmdResponse)
	}

	c.mu.Lock()
	pending, ok := c.pending[conn.Index]
	if ok {
		delete(c.pending, conn.Index)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle test act response: no pending connection state for index %d", conn.Index)
	}

	startIndex := StartingIndex(resp.SrIndexConf)
	if startIndex < 0 || startIndex >= len(c.rateTable) {
		startIndex = 0
	}

	params := SessionParams{
		LowThresh:      uint32(resp.LowThresh),
		UpperThresh:    uint32(resp.UpperThresh),
		SeqErrThresh:   uint32(resp.SeqErrThresh),
		TrialInt:       time.Duration(resp.TrialInt) * time.Millisecond,
		SubIntPeriod:   time.Duration(resp.SubIntPeriod) * time.Millisecond,
		TestIntTime:    time.Duration(resp.TestIntTime) * time.Second,
		WatchdogExpiry: c.policy.WatchdogExpiry,
		IgnoreOooDup:   resp.IgnoreOooDup != 0,
		RandPayload:    resp.ModifierBitmap&CHTARandPayload != 0,
		RateAdjAlgo:    resp.RateAdjAlgo,
		HighSpeedDelta: uint32(resp.HighSpeedDelta),
		SlowAdjThresh:  uint32(resp.SlowAdjThresh),
		StartIndex:     startIndex,
		Adaptive:       resp.ModifierBitmap&CHTASrIdxIsStart != 0 || resp.SrIndexConf == CHTASrIdxDef,
		AuthMode:       conn.AuthMode,
		AuthKeyID:      pending.authKeyID,
		AuthKey:        pending.authKey,
		ProtocolVer:    conn.ProtocolVer,
		IsServer:       false,
		DSCPEcn:        resp.DSCPEcn,
	}

	if setter, ok := pending.sender.(DSCPSetter); ok && resp.DSCPEcn != 0 {
		if derr := setter.SetDSCP(resp.DSCPEcn); derr != nil {
			c.logger.Warn("set dscp failed", slog.Int("conn_index", conn.Index), slog.String("error", derr.Error()))
		}
	}

	conn.TestType = testType
	conn.RateAdjAlgo = params.RateAdjAlgo
	conn.SendingRateIndex.Store(int32(params.StartIndex)) //nolint:gosec // table is bounded by MaxSendingRates
	conn.EndTime = now.Add(params.TestIntTime).Add(params.WatchdogExpiry)

	result := ApplyEvent(conn.State(), EventRecvCHTAResp)
	conn.SetState(result.NewState)
	conn.SetTestAction(TestActTest)

	var sess *Session
	if testType == TestTypeUpstream {
		// Client sends, server measures.
		sess = NewSenderSession(c.mgr, conn, pending.sender, params, resp.SendingRate, now, c.logger)
	} else {
		// Server sends, client measures.
		sess = NewReceiverSession(c.mgr, conn, pending.sender, params, c.rateTable, now, c.subIntervalCB, c.summaryCB, c.logger)
	}

	c.mu.Lock()
	c.sessions[conn.Index] = sess
	c.mu.Unlock()
	c.spawner.Spawn(ctx, sess)
	return nil
}

// Stop requests a graceful stop of the connection at connIndex, the
// `session_stop(session_handle)` boundary API. A connection still waiting
// for its Setup or Test-Activation response is dropped and its slot
// freed. It reports false if neither is tracked for that index.
func (c *Client) Stop(connIndex int) bool {
	c.mu.Lock()
	sess, ok := c.sessions[connIndex]
	if ok {
		delete(c.sessions, connIndex)
	}
	_, pending := c.pending[connIndex]
	if pending {
		delete(c.pending, connIndex)
	}
	c.mu.Unlock()
	if ok {
		sess.Stop()
		return true
	}
	if pending {
		_ = c.mgr.InitConn(connIndex)
		return true
	}
	return false
}

// activationRequest maps a test direction to its CHTA request code.
func activationRequest(testType TestType) CHTACmdRequest {
	if testType == TestTypeUpstream {
		return CHTAReqActivateUpstream
	}
	return CHTAReqActivateDownstream
}
