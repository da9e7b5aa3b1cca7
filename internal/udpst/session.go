package udpst

import (
	"context"
	"log/slog"
	"time"
)

// SessionParams collects the negotiated Test-Activation parameters that
// drive one connection's Data State Machine for its lifetime. Built from
// the negotiated TestActPDU by the control layer.
type SessionParams struct {
	LowThresh      uint32 // ms
	UpperThresh    uint32 // ms
	SeqErrThresh   uint32
	TrialInt       time.Duration
	SubIntPeriod   time.Duration
	TestIntTime    time.Duration
	WatchdogExpiry time.Duration
	IgnoreOooDup   bool
	RandPayload    bool
	RateAdjAlgo    RateAdjAlgo
	HighSpeedDelta uint32
	SlowAdjThresh  uint32
	StartIndex     int
	Adaptive       bool
	AuthMode       AuthMode
	AuthKeyID      uint8
	AuthKey        []byte
	ProtocolVer    uint16
	IsServer       bool
	AuthTimeWindow time.Duration

	// DSCPEcn is the negotiated DSCP/ECN codepoint applied to the data
	// socket at Test-Activation time; carried here only so callers that
	// build SessionParams from a TestActPDU have one place to stash it.
	DSCPEcn uint8
}

// Session drives one data-plane connection's C5 Data State Machine. A
// session is exclusively a Load PDU sender (TestType places local traffic
// on the wire) or a Load PDU receiver (the measuring side, which also
// runs the Rate Controller and emits Status PDU feedback) — never both,
// matching one connection's single negotiated TestType.
type Session struct {
	conn   *Connection
	mgr    *Manager
	sender PacketSender
	logger *slog.Logger

	params SessionParams

	loadSender *LoadSender
	loadRecv   *LoadReceiver

	rateTable []SendingRate
	rateState RateAdjustState
	rateIdx   int

	subIntervalCB SubIntervalCallback
	summaryCB     SummaryCallback

	statusSeqNo uint32

	loadCh   chan *LoadPDU
	statusCh chan statusDelivery
	stopCh   chan struct{}
}

// statusDelivery pairs a decoded Status PDU with its raw wire bytes, the
// latter needed to recompute an HMAC auth tail on receipt.
type statusDelivery struct {
	pdu  *StatusPDU
	wire []byte
}

// NewSenderSession builds a Session that transmits Load PDUs and consumes
// Status PDU feedback to reschedule itself.
func NewSenderSession(mgr *Manager, conn *Connection, sender PacketSender, params SessionParams, initialRate SendingRate, start time.Time, logger *slog.Logger) *Session {
	s := &Session{
		conn:   conn,
		mgr:    mgr,
		sender: sender,
		logger: logger.With(slog.Int("conn_index", conn.Index)),
		params: params,

		loadCh:   make(chan *LoadPDU, 64),
		statusCh: make(chan statusDelivery, 16),
		stopCh:   make(chan struct{}),
	}
	s.loadSender = NewLoadSender(sender, initialRate, params.RandPayload, start, logger)
	return s
}

// NewReceiverSession builds a Session that measures an inbound Load PDU
// stream, runs the Rate Controller, and emits Status PDU feedback.
func NewReceiverSession(mgr *Manager, conn *Connection, sender PacketSender, params SessionParams, rateTable []SendingRate, start time.Time, subIntervalCB SubIntervalCallback, summaryCB SummaryCallback, logger *slog.Logger) *Session {
	s := &Session{
		conn:   conn,
		mgr:    mgr,
		sender: sender,
		logger: logger.With(slog.Int("conn_index", conn.Index)),
		params: params,

		rateTable:     rateTable,
		rateIdx:       params.StartIndex,
		subIntervalCB: subIntervalCB,
		summaryCB:     summaryCB,

		loadCh:   make(chan *LoadPDU, 64),
		statusCh: make(chan statusDelivery, 16),
		stopCh:   make(chan struct{}),
	}
	s.loadRecv = NewLoadReceiver(params.IgnoreOooDup, start, logger)
	return s
}

// ConnIndex returns the connection-table slot index this session drives,
// letting a transport-layer caller correlate a spawned session back to
// the data-plane socket it opened for it.
func (s *Session) ConnIndex() int { return s.conn.Index }

// DeliverLoad enqueues a decoded Load PDU for processing by Run's
// goroutine. Safe to call from the demux path.
func (s *Session) DeliverLoad(pdu *LoadPDU) {
	select {
	case s.loadCh <- pdu:
	default:
		s.logger.Warn("load pdu queue full, dropping")
	}
}

// DeliverStatus enqueues a decoded Status PDU, along with its raw wire
// bytes for auth-tail recomputation, for processing by Run's goroutine.
// Safe to call from the demux path.
func (s *Session) DeliverStatus(pdu *StatusPDU, wire []byte) {
	select {
	case s.statusCh <- statusDelivery{pdu: pdu, wire: wire}:
	default:
		s.logger.Warn("status pdu queue full, dropping")
	}
}

// Stop requests the session's Run goroutine to exit after tearing down
// its connection-table slot.
func (s *Session) Stop() {
	close(s.stopCh)
}

// Run drives the session until ctx is cancelled, Stop is called, or the
// watchdog expires. It owns the per-connection 100µs-granularity tick
// that advances the sender's two trains, finalizes trial/sub-interval
// windows, and emits periodic Status PDU feedback.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(MinIntervalUsec * time.Microsecond)
	defer ticker.Stop()

	s.logger.Info("data session started",
		slog.Bool("is_sender", s.loadSender != nil),
		slog.String("test_action", s.conn.TestAction().String()),
	)

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.stopCh:
			s.teardown(ctx)
			return

		case pdu := <-s.loadCh:
			s.handleLoad(ctx, pdu)

		case delivery := <-s.statusCh:
			s.handleStatus(ctx, delivery.pdu, delivery.wire)

		case now := <-ticker.C:
			if s.tick(ctx, now) {
				return
			}
		}
	}
}

// tick advances the sender's trains (if this session sends) and the
// receiver's trial/sub-interval windows and Status emission (if this
// session measures). It reports true once the watchdog has expired and
// the connection's slot has been torn down.
func (s *Session) tick(ctx context.Context, now time.Time) bool {
	action := s.conn.TestAction()

	if s.loadSender != nil {
		s.loadSender.Tick(ctx, now, action, action >= TestActStop1)
	}

	if s.loadRecv != nil {
		s.loadRecv.MaybeRollover(ctx, s.conn.Index, now, s.params.SubIntPeriod, s.subIntervalCB, s.summaryCB)
		if stats, rolled := s.loadRecv.MaybeTrial(now, s.params.TrialInt); rolled {
			s.adjustRate(stats)
			s.sendStatus(ctx, now, stats)
		}
	}

	if s.params.WatchdogExpiry > 0 && s.conn.Idle(now, s.params.WatchdogExpiry) {
		s.applyEvent(ctx, EventWatchdogExpired)
		s.teardown(ctx)
		return true
	}
	if !s.conn.EndTime.IsZero() && now.After(s.conn.EndTime) {
		s.applyEvent(ctx, EventStopRequested)
	}
	return false
}

// handleLoad processes one received Load PDU (receiver-role sessions
// only), stamping the connection's watchdog with the local receive time.
func (s *Session) handleLoad(ctx context.Context, pdu *LoadPDU) {
	now := time.Now()
	s.conn.Touch(now)
	if s.loadRecv == nil {
		return
	}

	var rttMs uint32
	if pdu.SPDUTimeSec != 0 || pdu.SPDUTimeNsec != 0 {
		sent := time.Unix(int64(pdu.SPDUTimeSec), int64(pdu.SPDUTimeNsec))
		if delta := now.Sub(sent).Milliseconds(); delta > int64(pdu.RTTRespDelay) {
			rttMs = uint32(delta) - uint32(pdu.RTTRespDelay) //nolint:gosec // bounded by test duration, fits uint32 ms
		}
	}
	s.loadRecv.ProcessLoad(pdu, now, rttMs)

	if pdu.TestAction == TestActStop2 {
		s.applyEvent(ctx, EventPeerStop2)
	}
}

// handleStatus processes one received Status PDU (sender-role sessions
// only): it adopts the peer's Rate Controller decision and echoes the
// status's identity for the next Load PDU's RTT sample. On an
// authenticated connection at or above ExtAuthPVer, the PDU's auth tail
// must validate against the connection's KDF pair before it is trusted.
func (s *Session) handleStatus(ctx context.Context, pdu *StatusPDU, wire []byte) {
	now := time.Now()
	s.conn.Touch(now)
	if s.loadSender == nil {
		return
	}

	if s.params.AuthMode == AuthModeHMAC && s.params.ProtocolVer >= ExtAuthPVer {
		validator := &AuthValidator{
			ProtocolVer: s.params.ProtocolVer,
			IsServer:    s.params.IsServer,
			KDF:         &s.conn.KDF,
			TimeWindow:  s.params.AuthTimeWindow,
			EnforceTime: true,
		}
		if err := validator.Validate(wire, &pdu.Auth, now); err != nil {
			s.logger.Warn("status pdu auth validation failed", slog.String("error", err.Error()))
			return
		}
	}
	s.loadSender.ObserveStatus(uint16(pdu.SPDUSeqNo), now) //nolint:gosec // sequence numbers wrap harmlessly for RTT correlation
	s.loadSender.Reschedule(pdu.SendingRate, now)

	if pdu.TestAction >= TestActStop1 {
		s.conn.SetTestAction(NextTestAction(s.conn.TestAction(), pdu.TestAction))
	}
	if pdu.TestAction == TestActStop2 {
		s.applyEvent(ctx, EventPeerStop2)
	}
}

// adjustRate classifies the just-finished trial window and, when the
// session's Rate Controller is adaptive, advances the sending-rate index
// per the connection's configured algorithm.
func (s *Session) adjustRate(trial SubIntervalStats) {
	if !s.params.Adaptive || len(s.rateTable) == 0 {
		return
	}
	seqErrDelta := trial.SeqErrLoss
	if !s.params.IgnoreOooDup {
		seqErrDelta += trial.SeqErrOoo + trial.SeqErrDup
	}
	class := Classify(trial.DelayVarMax, s.params.LowThresh, s.params.UpperThresh, seqErrDelta, s.params.SeqErrThresh)
	next := NextIndex(s.params.RateAdjAlgo, &s.rateState, s.rateIdx, class, HSpeedThresh, s.params.HighSpeedDelta, s.params.SlowAdjThresh)
	if next < 0 {
		next = 0
	}
	if next >= len(s.rateTable) {
		next = len(s.rateTable) - 1
	}
	s.rateIdx = next
	s.conn.SendingRateIndex.Store(int32(s.rateIdx)) //nolint:gosec // table is bounded by MaxSendingRates
}

// sendStatus builds, signs, and transmits one Status PDU carrying the
// just-finished trial window, the last fully-saved sub-interval, running
// totals, and the Rate Controller's current sending-rate row.
func (s *Session) sendStatus(ctx context.Context, now time.Time, trial SubIntervalStats) {
	s.statusSeqNo++
	datagrams, bytesRx, loss, ooo, dup := s.loadRecv.Totals()

	rate := SendingRate{}
	if len(s.rateTable) > 0 {
		rate = s.rateTable[s.rateIdx]
	}

	pdu := &StatusPDU{
		TestAction:    s.conn.TestAction(),
		SPDUSeqNo:     s.statusSeqNo,
		SendingRate:   rate,
		SubIntSeqNo:   s.loadRecv.CurrentSubIntervalSeqNo(),
		SISSaved:      s.loadRecv.LastSaved(),
		SeqErrLoss:    uint32(loss), //nolint:gosec // per-trial counts fit comfortably in uint32
		SeqErrOoo:     uint32(ooo),  //nolint:gosec // per-trial counts fit comfortably in uint32
		SeqErrDup:     uint32(dup),  //nolint:gosec // per-trial counts fit comfortably in uint32
		ClockDeltaMin: s.loadRecv.clockDeltaMinUsec(),
		DelayVarMin:   trial.DelayVarMin,
		DelayVarMax:   trial.DelayVarMax,
		DelayVarSum:   trial.DelayVarSum,
		DelayVarCnt:   trial.DelayVarCnt,
		RTTMinimum:    trial.RTTMinimum,
		RTTVarSample:  trial.RTTMaximum,
		TiDeltaTime:   trial.DeltaTime,
		TiRxDatagrams: uint32(datagrams),  //nolint:gosec // per-trial counts fit comfortably in uint32
		TiRxBytes:     uint32(bytesRx),    //nolint:gosec // per-trial counts fit comfortably in uint32
		SPDUTimeSec:   uint32(now.Unix()), //nolint:gosec // wire field is 32 bits
		SPDUTimeNsec:  uint32(now.Nanosecond()), //nolint:gosec // wire field is 32 bits
	}
	if s.params.AuthMode == AuthModeHMAC {
		pdu.Auth.AuthMode = AuthModeHMAC
	}

	buf := make([]byte, StatusPDUSize)
	if _, err := pdu.Marshal(buf); err != nil {
		s.logger.Warn("marshal status pdu failed", slog.String("error", err.Error()))
		return
	}
	if s.params.AuthMode == AuthModeHMAC {
		key := s.params.AuthKey
		if s.params.ProtocolVer >= ExtAuthPVer && s.conn.KDF.Derived() {
			if s.params.IsServer {
				key = s.conn.KDF.ServerKey[:]
			} else {
				key = s.conn.KDF.ClientKey[:]
			}
		}
		InsertAuth(buf, &pdu.Auth, s.params.AuthKeyID, key, now)
	}

	if err := s.sender.SendPacket(ctx, buf); err != nil {
		s.logger.Warn("send status pdu failed", slog.String("error", err.Error()))
	}
}

// applyEvent runs the Control State Machine on event and executes the
// subset of resulting actions this package owns directly; PDU-building
// actions (CHSR/CHTA responses) are executed by the control layer that
// owns the handshake, which observes the same FSMResult.
func (s *Session) applyEvent(ctx context.Context, event Event) {
	result := ApplyEvent(s.conn.State(), event)
	if !result.Changed && len(result.Actions) == 0 {
		return
	}
	s.conn.SetState(result.NewState)

	for _, action := range result.Actions {
		switch action {
		case ActionMarkStop1:
			s.conn.SetTestAction(NextTestAction(s.conn.TestAction(), TestActStop1))
		case ActionMarkStop2:
			s.conn.SetTestAction(NextTestAction(s.conn.TestAction(), TestActStop2))
		case ActionReportFinalSubInterval:
			if s.loadRecv != nil {
				s.loadRecv.MaybeRollover(ctx, s.conn.Index, time.Now(), 0, s.subIntervalCB, s.summaryCB)
			}
		case ActionTeardown:
			s.teardown(ctx)
		default:
			// Control-plane PDU actions: left to the handshake layer.
		}
	}
}

// teardown releases the connection-table slot. Safe to call more than
// once; InitConn on an already-free slot is a harmless no-op reset.
func (s *Session) teardown(_ context.Context) {
	if err := s.mgr.InitConn(s.conn.Index); err != nil {
		s.logger.Warn("teardown failed", slog.String("error", err.Error()))
	}
}
