package udpst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DataPlaneOpener abstracts opening a connection's data-plane socket. The
// concrete implementation lives in the transport layer (internal/netio);
// this package depends only on the interface so it never imports netio.
type DataPlaneOpener interface {
	OpenDataSocket(ctx context.Context, conn *Connection) (sender PacketSender, localPort uint16, err error)
}

// SessionSpawner starts a Session's Run loop, typically as its own
// goroutine — mirroring the teacher's `go sess.Run(sessCtx)` spawn site
// in `bfd.Manager`.
type SessionSpawner interface {
	Spawn(ctx context.Context, sess *Session)
}

// ServerPolicy configures how a Server negotiates incoming Setup and
// Test-Activation requests: local capability limits and the default
// measurement parameters applied (and possibly policed) onto a Test-Act
// request.
type ServerPolicy struct {
	MaxBandwidthMbps uint16
	AllowJumbo       bool
	RequireAuth      bool
	Keys             AuthKeyStore
	AuthTimeWindow   time.Duration

	LowThresh, UpperThresh                     uint32 // ms
	TrialInt, SubIntPeriod, TestIntTime         time.Duration
	WatchdogExpiry                              time.Duration
	SeqErrThresh, HighSpeedDelta, SlowAdjThresh uint32
	RateAdjAlgo                                 RateAdjAlgo

	// DSCPEcn is the ceiling a Test-Activation request's dscpEcn is
	// clamped to; the server never negotiates a value above it.
	DSCPEcn uint8

	// AllowRandPayload gates a client's requested payload-size
	// randomization: accepted only when this is also set server-side.
	AllowRandPayload bool
}

// pendingConn carries state gathered at Setup time that Test-Activation
// needs to finish bringing a connection into measurement.
type pendingConn struct {
	sender    PacketSender
	authKey   []byte
	authKeyID uint8

	// authUnixTime is the timestamp signed into the Setup request (the
	// peer's on the server side, the client's own on the client side),
	// reused to derive a KDF pair so both sides land on the same key.
	authUnixTime uint32
}

// Server drives the server-role Control State Machine (C4): it validates
// and responds to Setup (CHSR) and Test-Activation (CHTA) requests, and
// spawns the per-connection Data State Machine (C5) session once a
// connection transitions to measurement.
type Server struct {
	mgr       *Manager
	policy    ServerPolicy
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

// NewServer builds a Server over mgr's connection table, using opener to
// acquire each test connection's data-plane socket and spawner to start
// its measurement session.
func NewServer(mgr *Manager, policy ServerPolicy, opener DataPlaneOpener, spawner SessionSpawner, subIntervalCB SubIntervalCallback, summaryCB SummaryCallback, logger *slog.Logger) *Server {
	return &Server{
		mgr:           mgr,
		policy:        policy,
		opener:        opener,
		spawner:       spawner,
		rateTable:     BuildSendingRateTable(),
		subIntervalCB: subIntervalCB,
		summaryCB:     summaryCB,
		pending:       make(map[int]*pendingConn),
		sessions:      make(map[int]*Session),
		logger:        logger.With(slog.String("component", "udpst.server")),
	}
}

// Stop requests a graceful stop of the connection at connIndex, the
// `session_stop(session_handle)` boundary API. It reports false if no
// active session is tracked for that index (already torn down, or never
// reached measurement).
func (srv *Server) Stop(connIndex int) bool {
	srv.mu.Lock()
	sess, ok := srv.sessions[connIndex]
	if ok {
		delete(srv.sessions, connIndex)
	}
	srv.mu.Unlock()
	if !ok {
		return false
	}
	sess.Stop()
	return true
}

// validateSetup runs the Setup request through the server's acceptance
// checks, returning the response code to echo (CHSRAckOK on success) and
// the per-direction bandwidth this request would charge. On CHSRAckOK the
// charge has already been reserved against the running per-direction
// total (spec §3 Repository data model / §4.4 step 2); the caller must
// release it (directly, or via a Connection's AllocatedMbps through
// InitConn) if it rejects the request for any other reason afterward.
func (srv *Server) validateSetup(wire []byte, req *SetupPDU, now time.Time) (resp CHSRCmdResponse, upstream bool, requested uint16) {
	upstream = req.MaxBandwidth&uint16(CHSRUsDirBit) != 0
	requested = req.MaxBandwidth &^ uint16(CHSRUsDirBit)

	switch {
	case req.ProtocolVer < ProtocolMin || req.ProtocolVer > ProtocolVer:
		return CHSRBadVer, upstream, requested
	case req.ModifierBitmap&CHSRJumboStatus != 0 && !srv.policy.AllowJumbo:
		return CHSRBadJS, upstream, requested
	case req.ModifierBitmap&CHSRJumboStatus == 0 && req.ModifierBitmap&CHSRTraditionalMTU == 0:
		return CHSRBadTMtu, upstream, requested
	case req.MCCount > MaxMCCount, req.MCCount > 0 && req.MCIndex >= req.MCCount:
		return CHSRMCInvPar, upstream, requested
	case srv.policy.MaxBandwidthMbps == 0:
		return CHSRNoMaxBW, upstream, requested
	}

	if srv.policy.RequireAuth {
		if req.Auth.AuthMode != AuthModeHMAC {
			return CHSRAuthReq, upstream, requested
		}
		if srv.policy.Keys == nil {
			return CHSRAuthNC, upstream, requested
		}
		validator := &AuthValidator{
			ProtocolVer: req.ProtocolVer,
			IsServer:    true,
			Keys:        srv.policy.Keys,
			TimeWindow:  srv.policy.AuthTimeWindow,
			EnforceTime: true,
		}
		if err := validator.Validate(wire, &req.Auth, now); err != nil {
			if errors.Is(err, ErrAuthTimeWindow) {
				return CHSRAuthTime, upstream, requested
			}
			return CHSRAuthFail, upstream, requested
		}
	}

	if !srv.mgr.ReserveBandwidth(upstream, requested, srv.policy.MaxBandwidthMbps) {
		return CHSRCapExc, upstream, requested
	}

	return CHSRAckOK, upstream, requested
}

// HandleSetup processes one inbound Setup request from peer, allocating
// a connection-table slot and opening its data-plane socket on success.
// It returns the marshaled (and, if negotiated, signed) response to send
// back on the control-plane socket; conn is nil when the request was
// rejected.
func (srv *Server) HandleSetup(ctx context.Context, wire []byte, req *SetupPDU, peer PeerKey, now time.Time) (conn *Connection, respBuf []byte, err error) {
	cmdResponse, upstream, requested := srv.validateSetup(wire, req, now)
	resp := &SetupPDU{
		ProtocolVer: ProtocolVer,
		MCIndex:     req.MCIndex,
		MCCount:     req.MCCount,
		MCIdent:     req.MCIdent,
		CmdRequest:  CHSRReqSetup,
		CmdResponse: cmdResponse,
	}

	if resp.CmdResponse != CHSRAckOK {
		return nil, srv.marshalSetupResponse(resp, req, now), nil
	}

	idx, cerr := srv.mgr.NewConn(ConnTypeData, peer)
	if cerr != nil {
		srv.logger.Warn("setup rejected: connection table full", slog.String("error", cerr.Error()))
		srv.mgr.ReleaseBandwidth(upstream, requested)
		resp.CmdResponse = CHSRConnFail
		return nil, srv.marshalSetupResponse(resp, req, now), nil
	}

	conn, _ = srv.mgr.Get(idx)
	conn.RemoteAddr, conn.RemotePort = peer.Addr, peer.Port
	conn.ProtocolVer = req.ProtocolVer
	conn.MCIndex, conn.MCCount, conn.MCIdent = req.MCIndex, req.MCCount, req.MCIdent
	conn.CreatedAt = now
	conn.AuthMode = req.Auth.AuthMode
	conn.AllocatedMbps = requested
	conn.BandwidthUpstream = upstream
	conn.SetState(ConnCreated)

	sender, localPort, operr := srv.opener.OpenDataSocket(ctx, conn)
	if operr != nil {
		srv.logger.Warn("setup rejected: data socket open failed", slog.Int("conn_index", idx), slog.String("error", operr.Error()))
		_ = srv.mgr.InitConn(idx) // releases conn.AllocatedMbps
		resp.CmdResponse = CHSRConnFail
		return nil, srv.marshalSetupResponse(resp, req, now), nil
	}
	conn.LocalPort = localPort

	var authKey []byte
	if conn.AuthMode == AuthModeHMAC {
		if req.ProtocolVer >= ExtAuthPVer {
			conn.KDF = DeriveKDFKeys(srv.fallbackOrKeyedSecret(req.Auth.KeyID), req.Auth.AuthUnixTime)
			authKey = conn.KDF.ClientKey[:]
		} else if srv.policy.Keys != nil {
			if key, ok := srv.policy.Keys.LookupKey(req.Auth.KeyID); ok {
				authKey = []byte(key)
			} else {
				authKey = []byte(srv.policy.Keys.FallbackKey())
			}
		}
	}
	srv.pending[idx] = &pendingConn{sender: sender, authKey: authKey, authKeyID: req.Auth.KeyID, authUnixTime: req.Auth.AuthUnixTime}

	result := ApplyEvent(conn.State(), EventRecvCHSRReq)
	conn.SetState(result.NewState)

	resp.TestPort = localPort
	resp.ModifierBitmap = req.ModifierBitmap

	return conn, srv.marshalSetupResponse(resp, req, now), nil
}

func (srv *Server) marshalSetupResponse(resp *SetupPDU, req *SetupPDU, now time.Time) []byte {
	buf := make([]byte, SetupPDUSize)
	if _, err := resp.Marshal(buf); err != nil {
		srv.logger.Error("marshal setup response failed", slog.String("error", err.Error()))
		return nil
	}
	if req.Auth.AuthMode == AuthModeHMAC {
		resp.Auth.AuthMode = AuthModeHMAC
		key := srv.fallbackOrKeyedSecret(req.Auth.KeyID)
		InsertAuth(buf, &resp.Auth, req.Auth.KeyID, []byte(key), now)
	}
	return buf
}

func (srv *Server) fallbackOrKeyedSecret(keyID uint8) string {
	if srv.policy.Keys == nil {
		return ""
	}
	if key, ok := srv.policy.Keys.LookupKey(keyID); ok {
		return key
	}
	return srv.policy.Keys.FallbackKey()
}

// BuildNullReq builds the post-setup firewall/NAT primer sent from the
// newly opened data-plane socket toward the client (protocol version 20+).
func (srv *Server) BuildNullReq(protocolVer uint16, authKey []byte, keyID uint8, authMode AuthMode, now time.Time) []byte {
	pdu := &NullReqPDU{ProtocolVer: protocolVer}
	buf := make([]byte, NullReqPDUSize)
	if _, err := pdu.Marshal(buf); err != nil {
		srv.logger.Error("marshal null req failed", slog.String("error", err.Error()))
		return nil
	}
	if authMode == AuthModeHMAC {
		pdu.Auth.AuthMode = AuthModeHMAC
		InsertAuth(buf, &pdu.Auth, keyID, authKey, now)
	}
	return buf
}

// HandleTestAct processes one inbound Test-Activation request for an
// already-Bound connection: it validates the authenticated-flow auth
// tail (when active), polices the requested parameters, builds the
// (possibly policed) response, arms the terminal watchdog, and spawns the
// connection's Data State Machine session via spawner.
func (srv *Server) HandleTestAct(ctx context.Context, wire []byte, req *TestActPDU, conn *Connection, now time.Time) (respBuf []byte, err error) {
	resp := &TestActPDU{
		ProtocolVer: conn.ProtocolVer,
		CmdRequest:  req.CmdRequest,
		CmdResponse: CHTAAckOK,
	}

	if conn.AuthMode == AuthModeHMAC && req.ProtocolVer >= ExtAuthPVer {
		validator := &AuthValidator{
			ProtocolVer: req.ProtocolVer,
			IsServer:    true,
			KDF:         &conn.KDF,
			Keys:        srv.policy.Keys,
			TimeWindow:  srv.policy.AuthTimeWindow,
			EnforceTime: true,
		}
		if err := validator.Validate(wire, &req.Auth, now); err != nil {
			resp.CmdResponse = CHTABadParam
			buf := make([]byte, resp.Size())
			if _, merr := resp.Marshal(buf); merr != nil {
				return nil, merr
			}
			return buf, nil
		}
	}

	params, rate, ok := srv.policeTestAct(req)
	if !ok {
		resp.CmdResponse = CHTABadParam
		buf := make([]byte, resp.Size())
		if _, merr := resp.Marshal(buf); merr != nil {
			return nil, merr
		}
		return buf, nil
	}

	pending, havePending := srv.pending[conn.Index]
	if !havePending {
		return nil, fmt.Errorf("handle test act: no pending connection state for index %d", conn.Index)
	}
	delete(srv.pending, conn.Index)

	params.AuthMode = conn.AuthMode
	params.AuthKeyID = pending.authKeyID
	params.AuthKey = pending.authKey

	if setter, ok := pending.sender.(DSCPSetter); ok && params.DSCPEcn != 0 {
		if derr := setter.SetDSCP(params.DSCPEcn); derr != nil {
			srv.logger.Warn("set dscp failed", slog.Int("conn_index", conn.Index), slog.String("error", derr.Error()))
		}
	}

	conn.TestType = req.CmdRequest.TestType()
	conn.RateAdjAlgo = params.RateAdjAlgo
	conn.SendingRateIndex.Store(int32(params.StartIndex)) //nolint:gosec // table is bounded by MaxSendingRates
	conn.EndTime = now.Add(params.TestIntTime).Add(params.WatchdogExpiry)

	result := ApplyEvent(conn.State(), EventRecvCHTAReq)
	conn.SetState(result.NewState)
	conn.SetTestAction(TestActTest)

	var sess *Session
	if conn.TestType == TestTypeUpstream {
		// Client sends, server receives and measures.
		sess = NewReceiverSession(srv.mgr, conn, pending.sender, params, srv.rateTable, now, srv.subIntervalCB, srv.summaryCB, srv.logger)
	} else {
		// Server sends, client receives and measures.
		sess = NewSenderSession(srv.mgr, conn, pending.sender, params, rate, now, srv.logger)
	}
	srv.mu.Lock()
	srv.sessions[conn.Index] = sess
	srv.mu.Unlock()
	srv.spawner.Spawn(ctx, sess)

	resp.LowThresh = uint16(params.LowThresh)       //nolint:gosec // policed to protocol range
	resp.UpperThresh = uint16(params.UpperThresh)   //nolint:gosec // policed to protocol range
	resp.TrialInt = uint16(params.TrialInt.Milliseconds())
	resp.TestIntTime = uint16(params.TestIntTime.Seconds())
	resp.SrIndexConf = req.SrIndexConf
	resp.SeqErrThresh = uint16(params.SeqErrThresh) //nolint:gosec // policed to protocol range
	if params.IgnoreOooDup {
		resp.IgnoreOooDup = 1
	}
	resp.ModifierBitmap = req.ModifierBitmap
	resp.RateAdjAlgo = params.RateAdjAlgo
	resp.SendingRate = rate
	resp.SubIntPeriod = uint16(params.SubIntPeriod.Milliseconds())
	resp.DSCPEcn = params.DSCPEcn

	buf := make([]byte, resp.Size())
	if _, merr := resp.Marshal(buf); merr != nil {
		return nil, merr
	}
	if conn.AuthMode == AuthModeHMAC && resp.ProtocolVer >= ExtAuthPVer {
		resp.Auth.AuthMode = AuthModeHMAC
		InsertAuth(buf, &resp.Auth, pending.authKeyID, pending.authKey, now)
	}
	return buf, nil
}

// policeTestAct validates and, where possible, clamps a Test-Activation
// request's parameters into a valid SessionParams/initial SendingRate
// pair. ok is false when the combination cannot be policed into anything
// valid (CHTABadParam).
func (srv *Server) policeTestAct(req *TestActPDU) (params SessionParams, rate SendingRate, ok bool) {
	if len(srv.rateTable) == 0 {
		return SessionParams{}, SendingRate{}, false
	}

	lowThresh, upperThresh := uint32(req.LowThresh), uint32(req.UpperThresh)
	if lowThresh == 0 {
		lowThresh = srv.policy.LowThresh
	}
	if upperThresh == 0 {
		upperThresh = srv.policy.UpperThresh
	}
	if lowThresh >= upperThresh {
		return SessionParams{}, SendingRate{}, false
	}

	trialInt := time.Duration(req.TrialInt) * time.Millisecond
	if trialInt <= 0 {
		trialInt = srv.policy.TrialInt
	}
	subIntPeriod := time.Duration(req.SubIntPeriod) * time.Millisecond
	if subIntPeriod <= 0 {
		subIntPeriod = srv.policy.SubIntPeriod
	}
	testIntTime := time.Duration(req.TestIntTime) * time.Second
	if testIntTime <= 0 {
		testIntTime = srv.policy.TestIntTime
	}
	if srv.policy.TestIntTime > 0 && testIntTime > srv.policy.TestIntTime {
		testIntTime = srv.policy.TestIntTime
	}

	dscpEcn := req.DSCPEcn
	if dscpEcn > srv.policy.DSCPEcn {
		dscpEcn = srv.policy.DSCPEcn
	}

	startIndex := StartingIndex(req.SrIndexConf)
	if startIndex < 0 || startIndex >= len(srv.rateTable) {
		return SessionParams{}, SendingRate{}, false
	}

	params = SessionParams{
		LowThresh:      lowThresh,
		UpperThresh:    upperThresh,
		SeqErrThresh:   uint32(req.SeqErrThresh),
		TrialInt:       trialInt,
		SubIntPeriod:   subIntPeriod,
		TestIntTime:    testIntTime,
		WatchdogExpiry: srv.policy.WatchdogExpiry,
		IgnoreOooDup:   req.IgnoreOooDup != 0,
		RandPayload:    req.ModifierBitmap&CHTARandPayload != 0 && srv.policy.AllowRandPayload,
		RateAdjAlgo:    req.RateAdjAlgo,
		HighSpeedDelta: uint32(req.HighSpeedDelta),
		SlowAdjThresh:  uint32(req.SlowAdjThresh),
		StartIndex:     startIndex,
		Adaptive:       req.ModifierBitmap&CHTASrIdxIsStart != 0 || req.SrIndexConf == CHTASrIdxDef,
		DSCPEcn:        dscpEcn,
		ProtocolVer:    req.ProtocolVer,
		AuthTimeWindow: srv.policy.AuthTimeWindow,
		IsServer:       true,
	}
	return params, srv.rateTable[startIndex], true
}
