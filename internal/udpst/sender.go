package udpst

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// PacketSender abstracts sending a single datagram to this connection's
// configured peer. Implementations satisfy this structurally — there is
// no dependency on a concrete transport type, the same decoupling the
// Control State Machine and Connection Table use for testability.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte) error
}

// DSCPSetter is an optional capability a PacketSender's concrete transport
// may implement, letting the control layer apply a negotiated DSCP/ECN
// codepoint to an already-open data-plane socket once Test-Activation has
// settled on one — DSCPEcn is only known after the socket is opened, so it
// can never be supplied at OpenDataSocket time.
type DSCPSetter interface {
	SetDSCP(dscpEcn uint8) error
}

// trainSchedule is the monotonic-deadline state for one of a SendingRate
// row's two independent transmission trains.
type trainSchedule struct {
	interval time.Duration
	payload  uint32
	burst    uint32
	next     time.Time
}

func newTrainSchedule(intervalUsec, payload, burst uint32, start time.Time) trainSchedule {
	return trainSchedule{
		interval: time.Duration(intervalUsec) * time.Microsecond,
		payload:  payload,
		burst:    burst,
		next:     start,
	}
}

// due reports whether the train has one or more bursts outstanding at
// now, returning the number of bursts to send (capped at MaxBurstSize)
// and advancing the schedule's next deadline by interval per burst sent.
//
// The deadline always advances from its own previous value (prev +
// interval), never from now, so a scheduler stall does not permanently
// shift the long-run average rate — only the catch-up burst count grows,
// bounded by MaxBurstSize per call.
func (t *trainSchedule) due(now time.Time) int {
	if t.interval <= 0 || now.Before(t.next) {
		return 0
	}
	bursts := 0
	for !now.Before(t.next) && bursts < MaxBurstSize {
		t.next = t.next.Add(t.interval)
		bursts++
	}
	return bursts
}

// LoadSender drives a single test connection's data-plane Load PDU
// transmission according to its currently assigned SendingRate, rebuilt
// whenever the Rate Controller (C6) selects a new table row.
type LoadSender struct {
	sender PacketSender
	logger *slog.Logger

	randPayload bool
	seqNo       atomic.Uint32

	train1 trainSchedule
	train2 trainSchedule

	// lastStatus* carry the most recently received Status PDU's sequence
	// error count and reception time, echoed back on the next Load PDU
	// for RTT sampling.
	lastStatusSeqErr  uint16
	lastStatusTimeSec uint32
	lastStatusTimeNs  uint32
}

// NewLoadSender builds a sender for rate, starting both trains' schedules
// at start (typically the moment the Test-Act handshake completes).
func NewLoadSender(sender PacketSender, rate SendingRate, randPayload bool, start time.Time, logger *slog.Logger) *LoadSender {
	return &LoadSender{
		sender:      sender,
		logger:      logger.With(slog.String("component", "udpst.sender")),
		randPayload: randPayload,
		train1:      newTrainSchedule(rate.TxInterval1, rate.UDPPayload1, rate.BurstSize1, start),
		train2:      newTrainSchedule(rate.TxInterval2, rate.UDPPayload2, rate.BurstSize2, start),
	}
}

// Reschedule replaces the sender's SendingRate, starting both trains'
// schedules afresh at now; the old trains' phase is not carried over.
// Called when C6
// selects a new sending-rate index.
func (s *LoadSender) Reschedule(rate SendingRate, now time.Time) {
	s.train1 = newTrainSchedule(rate.TxInterval1, rate.UDPPayload1, rate.BurstSize1, now)
	s.train2 = newTrainSchedule(rate.TxInterval2, rate.UDPPayload2, rate.BurstSize2, now)
}

// ObserveStatus records the most recently received Status PDU's sequence
// and reception time, echoed back in subsequent Load PDUs for RTT
// sampling on the peer.
func (s *LoadSender) ObserveStatus(seqErr uint16, recvTime time.Time) {
	s.lastStatusSeqErr = seqErr
	s.lastStatusTimeSec = uint32(recvTime.Unix())      //nolint:gosec // wire field is 32 bits
	s.lastStatusTimeNs = uint32(recvTime.Nanosecond()) //nolint:gosec // wire field is 32 bits
}

// Tick evaluates both trains against now, sending any due Load PDUs
// (each train's catch-up bursts capped at MaxBurstSize) and returns the
// total number of datagrams sent.
func (s *LoadSender) Tick(ctx context.Context, now time.Time, action TestAction, rxStopped bool) int {
	sent := 0
	sent += s.drainTrain(ctx, &s.train1, now, action, rxStopped)
	sent += s.drainTrain(ctx, &s.train2, now, action, rxStopped)
	return sent
}

func (s *LoadSender) drainTrain(ctx context.Context, tr *trainSchedule, now time.Time, action TestAction, rxStopped bool) int {
	bursts := tr.due(now)
	sent := 0
	for b := 0; b < bursts; b++ {
		for i := uint32(0); i < tr.burst; i++ {
			if err := s.sendOne(ctx, tr.payload, action, rxStopped, now); err != nil {
				s.logger.Warn("send load pdu failed", slog.String("error", err.Error()))
				continue
			}
			sent++
		}
	}
	return sent
}

func (s *LoadSender) sendOne(ctx context.Context, payloadField uint32, action TestAction, rxStopped bool, now time.Time) error {
	payload := payloadField
	if s.randPayload {
		payload = RandomizedPayload(payloadField)
	}

	pdu := &LoadPDU{
		TestAction:   action,
		LPDUSeqNo:    s.seqNo.Add(1),
		UDPPayload:   uint16(payload), //nolint:gosec // payload is bounded well under 65535
		SPDUSeqErr:   s.lastStatusSeqErr,
		SPDUTimeSec:  s.lastStatusTimeSec,
		SPDUTimeNsec: s.lastStatusTimeNs,
		LPDUTimeSec:  uint32(now.Unix()),       //nolint:gosec // wire field is 32 bits
		LPDUTimeNsec: uint32(now.Nanosecond()), //nolint:gosec // wire field is 32 bits
	}
	if rxStopped {
		pdu.RxStopped = 1
	}

	buf := make([]byte, LoadPDUHeaderSize+int(payload))
	if _, err := pdu.Marshal(buf); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[30:32], Checksum16(buf))

	return s.sender.SendPacket(ctx, buf)
}

// randomPhaseOffset returns a random de-phase duration in [0, max), or 0
// when max is not positive. No timer in this package is armed with it.
func randomPhaseOffset(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
