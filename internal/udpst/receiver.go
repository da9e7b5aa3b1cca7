package udpst

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// SeqResult classifies a received Load PDU sequence number against the
// receiver's expected-sequence state.
type SeqResult uint8

const (
	// SeqInOrder is the expected next sequence number.
	SeqInOrder SeqResult = iota
	// SeqLoss indicates one or more sequence numbers were skipped.
	SeqLoss
	// SeqOoo indicates a sequence number below expected, not yet seen.
	SeqOoo
	// SeqDup indicates a sequence number already accounted for.
	SeqDup
)

// SeqTracker maintains the expected next sequence number for a test
// connection's inbound Load PDU stream, classifying each arrival as
// in-order, loss, out-of-order, or duplicate.
//
// When IgnoreOooDup is set, out-of-order and duplicate datagrams neither
// count toward loss nor advance the expected sequence.
type SeqTracker struct {
	Expected     uint32
	IgnoreOooDup bool
	started      bool
	seen         map[uint32]struct{}
}

// Classify advances the tracker's state for seq and returns its
// classification plus the number of newly-detected lost datagrams (zero
// unless the classification is SeqLoss).
func (t *SeqTracker) Classify(seq uint32) (SeqResult, uint32) {
	if !t.started {
		t.started = true
		t.Expected = seq + 1
		t.seen = make(map[uint32]struct{})
		return SeqInOrder, 0
	}

	switch {
	case seq == t.Expected:
		t.Expected = seq + 1
		return SeqInOrder, 0
	case seq > t.Expected:
		lost := seq - t.Expected
		t.Expected = seq + 1
		return SeqLoss, lost
	default:
		if t.IgnoreOooDup {
			return SeqOoo, 0
		}
		if _, dup := t.seen[seq]; dup {
			return SeqDup, 0
		}
		t.seen[seq] = struct{}{}
		return SeqOoo, 0
	}
}

// DelayVarTracker computes one-way delay variation from a connection's
// minimum observed clock delta between sender and receiver clocks, per
// the Data State Machine's per-connection minimum-delta rule: absolute
// one-way delay is unknowable without clock sync, but its variation
// relative to the stream's own minimum is.
type DelayVarTracker struct {
	minDeltaUsec int64
	haveMin      bool
}

// Observe computes the delay variation (ms, clamped to >= 0) for a
// datagram sent at txTime and received at rxTime, updating the tracked
// minimum clock delta as a side effect.
func (d *DelayVarTracker) Observe(txTime, rxTime time.Time) uint32 {
	deltaUsec := rxTime.Sub(txTime).Microseconds()
	if !d.haveMin || deltaUsec < d.minDeltaUsec {
		d.minDeltaUsec = deltaUsec
		d.haveMin = true
	}
	variationUsec := deltaUsec - d.minDeltaUsec
	if variationUsec < 0 {
		variationUsec = 0
	}
	return uint32(variationUsec / 1000) //nolint:gosec // delay variation fits comfortably in uint32 ms
}

// ClockDeltaMin returns the minimum observed clock delta in microseconds.
func (d *DelayVarTracker) ClockDeltaMin() int64 { return d.minDeltaUsec }

// -------------------------------------------------------------------------
// SubIntervalAccumulator
// -------------------------------------------------------------------------

// SubIntervalAccumulator collects receive statistics over one sub-interval
// window (spec's "trialIntClock + subIntPeriod" rollover), then resets.
type SubIntervalAccumulator struct {
	mu      sync.Mutex
	stats   SubIntervalStats
	started time.Time
}

func newSubIntervalAccumulator(now time.Time) *SubIntervalAccumulator {
	return &SubIntervalAccumulator{started: now}
}

// Add folds one received datagram's measurements into the accumulator.
func (a *SubIntervalAccumulator) Add(bytes uint64, delayVarMs uint32, rttMs uint32, result SeqResult, lost uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.RxDatagrams++
	a.stats.RxBytes += bytes

	switch result {
	case SeqLoss:
		a.stats.SeqErrLoss += lost
	case SeqOoo:
		a.stats.SeqErrOoo++
	case SeqDup:
		a.stats.SeqErrDup++
	}

	if a.stats.DelayVarCnt == 0 || delayVarMs < a.stats.DelayVarMin {
		a.stats.DelayVarMin = delayVarMs
	}
	if delayVarMs > a.stats.DelayVarMax {
		a.stats.DelayVarMax = delayVarMs
	}
	a.stats.DelayVarSum += delayVarMs
	a.stats.DelayVarCnt++

	if rttMs > 0 {
		if a.stats.RTTMinimum == 0 || rttMs < a.stats.RTTMinimum {
			a.stats.RTTMinimum = rttMs
		}
		if rttMs > a.stats.RTTMaximum {
			a.stats.RTTMaximum = rttMs
		}
	}
}

// Rollover finalizes the current window (stamping DeltaTime/AccumTime from
// elapsed wall time since the last rollover), returns its stats, and
// starts a fresh window at now.
func (a *SubIntervalAccumulator) Rollover(now time.Time) SubIntervalStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := now.Sub(a.started)
	a.stats.DeltaTime = uint32(elapsed.Microseconds()) //nolint:gosec // sub-interval periods are well under 2^32 us
	a.stats.AccumTime = uint32(elapsed.Milliseconds()) //nolint:gosec // sub-interval periods are well under 2^32 ms

	finished := a.stats
	a.stats = SubIntervalStats{}
	a.started = now
	return finished
}

// -------------------------------------------------------------------------
// LoadReceiver
// -------------------------------------------------------------------------

// LoadReceiver processes a test connection's inbound Load PDU stream:
// sequence classification, delay-variation sampling, and sub-interval
// accumulation, and triggers the periodic Status PDU feedback that also
// carries the Rate Controller's (C6) next sending-rate row.
type LoadReceiver struct {
	logger *slog.Logger

	seq      SeqTracker
	delayVar DelayVarTracker
	accum    *SubIntervalAccumulator

	// trial accumulates the same measurements on the independent trialInt
	// cadence that feeds the Rate Controller's per-trial classification
	// and Status PDU emission, separate from the subIntPeriod cadence
	// that feeds the exported sub-interval rows.
	trial *SubIntervalAccumulator

	subIntSeqNo uint32
	lastSaved   SubIntervalStats

	// running totals across the whole test, independent of sub-interval resets.
	totalDatagrams uint64
	totalBytes     uint64
	totalLoss      uint64
	totalOoo       uint64
	totalDup       uint64
}

// NewLoadReceiver creates a receiver with sequence tracking configured
// per ignoreOooDup, starting its sub-interval window at now.
func NewLoadReceiver(ignoreOooDup bool, now time.Time, logger *slog.Logger) *LoadReceiver {
	return &LoadReceiver{
		logger: logger.With(slog.String("component", "udpst.receiver")),
		seq:    SeqTracker{IgnoreOooDup: ignoreOooDup},
		accum:  newSubIntervalAccumulator(now),
		trial:  newSubIntervalAccumulator(now),
	}
}

// ProcessLoad folds one received Load PDU into the receiver's state. now
// is the local receive timestamp (for delay-variation and sub-interval
// timing); rttMs is the RTT sample computed from the PDU's echoed
// Status-PDU timestamp, or zero if unavailable.
func (r *LoadReceiver) ProcessLoad(pdu *LoadPDU, now time.Time, rttMs uint32) {
	result, lost := r.seq.Classify(pdu.LPDUSeqNo)

	txTime := time.Unix(int64(pdu.LPDUTimeSec), int64(pdu.LPDUTimeNsec))
	delayVarMs := r.delayVar.Observe(txTime, now)

	bytes := uint64(LoadPDUHeaderSize + int(pdu.UDPPayload))
	r.accum.Add(bytes, delayVarMs, rttMs, result, lost)
	r.trial.Add(bytes, delayVarMs, rttMs, result, lost)

	r.totalDatagrams++
	r.totalBytes += bytes
	switch result {
	case SeqLoss:
		r.totalLoss += uint64(lost)
	case SeqOoo:
		r.totalOoo++
	case SeqDup:
		r.totalDup++
	}
}

// MaybeRollover finalizes the sub-interval window if subIntPeriod has
// elapsed since the window started, invoking cb with the finished
// window's report and summary with the connection's running totals.
func (r *LoadReceiver) MaybeRollover(ctx context.Context, connIndex int, now time.Time, subIntPeriod time.Duration, cb SubIntervalCallback, summary SummaryCallback) bool {
	if ctx.Err() != nil {
		return false
	}

	r.accum.mu.Lock()
	elapsed := now.Sub(r.accum.started)
	r.accum.mu.Unlock()
	if elapsed < subIntPeriod {
		return false
	}

	r.subIntSeqNo++
	stats := r.accum.Rollover(now)
	r.lastSaved = stats

	if cb != nil {
		cb(SubIntervalReport{ConnIndex: connIndex, SeqNo: r.subIntSeqNo, Stats: stats, Timestamp: now})
	}
	if summary != nil {
		summary(SummaryReport{
			ConnIndex:   connIndex,
			RxDatagrams: r.totalDatagrams,
			RxBytes:     r.totalBytes,
			SeqErrLoss:  r.totalLoss,
			SeqErrOoo:   r.totalOoo,
			SeqErrDup:   r.totalDup,
			DelayVarMin: stats.DelayVarMin,
			DelayVarMax: stats.DelayVarMax,
			RTTMinimum:  stats.RTTMinimum,
		})
	}
	return true
}

// MaybeTrial finalizes the trial accumulator if trialInt has elapsed
// since its window started, returning the finished window's stats for
// Rate Controller classification and Status PDU construction.
func (r *LoadReceiver) MaybeTrial(now time.Time, trialInt time.Duration) (SubIntervalStats, bool) {
	r.trial.mu.Lock()
	elapsed := now.Sub(r.trial.started)
	r.trial.mu.Unlock()
	if elapsed < trialInt {
		return SubIntervalStats{}, false
	}
	return r.trial.Rollover(now), true
}

// clockDeltaMinUsec reports the receiver's tracked minimum one-way clock
// delta, surfaced on outbound Status PDUs as ClockDeltaMin.
func (r *LoadReceiver) clockDeltaMinUsec() uint32 {
	v := r.delayVar.ClockDeltaMin()
	if v < 0 {
		return 0
	}
	return uint32(math.Min(float64(v), math.MaxUint32))
}

// Totals returns the connection's running totals across the whole test.
func (r *LoadReceiver) Totals() (datagrams, bytesRx, loss, ooo, dup uint64) {
	return r.totalDatagrams, r.totalBytes, r.totalLoss, r.totalOoo, r.totalDup
}

// CurrentSubIntervalSeqNo returns the most recently finalized
// sub-interval's sequence number (0 before the first rollover).
func (r *LoadReceiver) CurrentSubIntervalSeqNo() uint32 { return r.subIntSeqNo }

// LastSaved returns the most recently finalized sub-interval window's
// stats, the "prior saved summary" a Status PDU carries alongside its
// live (in-progress) accumulator.
func (r *LoadReceiver) LastSaved() SubIntervalStats { return r.lastSaved }
