// Package aggregate implements the multi-connection rollup and
// end-of-test summary (Aggregator & Reporter) that sit downstream of a
// test's per-connection Data State Machines.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/udpst/internal/udpst"
)

// Row is one rolled-up sub-interval: the sum/min/max/weighted-average
// across every active connection in a multi-connection group that
// reported for a given sub-interval sequence number.
type Row struct {
	TStart, TEnd time.Time
	Mbps         float64
	LossRatio    float64
	OooRatio     float64
	DupRatio     float64
	DelayMin     uint32
	DelayMax     uint32
	RTTMin       uint32
	RTTMax       uint32
	ActiveConns  int
}

// RowCallback is invoked once per flushed Row, in sub-interval sequence
// order.
type RowCallback func(Row)

// Aggregator merges per-connection SubIntervalReport events sharing a
// multi-connection group into one Row per sub-interval sequence number,
// and tracks the all-time minima/maxima and bimodal split needed for the
// end-of-test Summary.
type Aggregator struct {
	mu sync.Mutex

	logger       *slog.Logger
	members      int
	bimodalCount int

	pending map[uint32][]udpst.SubIntervalReport
	rows    []Row
	onRow   RowCallback

	allTimeDelayMin uint32
	allTimeDelayMax uint32
	allTimeRTTMin   uint32
	allTimeRTTMax   uint32
	haveAllTime     bool
}

// NewAggregator creates an Aggregator expecting reports from members
// connections per sub-interval sequence number. bimodalCount is the
// number of leading sub-intervals reported separately in the end-of-test
// Summary as the deterministic preamble (0 disables the split).
func NewAggregator(members, bimodalCount int, onRow RowCallback, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger:       logger.With(slog.String("component", "aggregate")),
		members:      members,
		bimodalCount: bimodalCount,
		pending:      make(map[uint32][]udpst.SubIntervalReport),
		onRow:        onRow,
	}
}

// Run consumes SubIntervalReport events from events until ctx is
// cancelled or events closes, ingesting each one into the rollup.
func (a *Aggregator) Run(ctx context.Context, events <-chan udpst.SubIntervalReport) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case report, ok := <-events:
			if !ok {
				return nil
			}
			a.Ingest(report)
		}
	}
}

// Ingest feeds one connection's finalized sub-interval report into the
// group rollup, flushing a Row once every member connection has reported
// for that sub-interval sequence number.
func (a *Aggregator) Ingest(report udpst.SubIntervalReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending[report.SeqNo] = append(a.pending[report.SeqNo], report)
	if len(a.pending[report.SeqNo]) < a.members {
		return
	}

	reports := a.pending[report.SeqNo]
	delete(a.pending, report.SeqNo)
	a.flush(reports)
}

// flush computes one Row from a complete set of per-connection reports
// for a single sub-interval sequence number: summed bytes/datagrams,
// min-of-mins and max-of-maxes for delay variation and RTT, and a
// count-weighted average implicit in the summed ratios.
func (a *Aggregator) flush(reports []udpst.SubIntervalReport) {
	var (
		tStart, tEnd               time.Time
		totalBytes                 uint64
		totalDatagrams             uint64
		totalLoss, totalOoo, totalDup uint64
		delayMin, delayMax         uint32
		rttMin, rttMax             uint32
		haveDelay, haveRTT         bool
	)

	for i, r := range reports {
		s := r.Stats
		totalBytes += s.RxBytes
		totalDatagrams += uint64(s.RxDatagrams)
		totalLoss += uint64(s.SeqErrLoss)
		totalOoo += uint64(s.SeqErrOoo)
		totalDup += uint64(s.SeqErrDup)

		if !haveDelay || s.DelayVarMin < delayMin {
			delayMin = s.DelayVarMin
			haveDelay = true
		}
		if s.DelayVarMax > delayMax {
			delayMax = s.DelayVarMax
		}
		if s.RTTMinimum > 0 && (!haveRTT || s.RTTMinimum < rttMin) {
			rttMin = s.RTTMinimum
			haveRTT = true
		}
		if s.RTTMaximum > rttMax {
			rttMax = s.RTTMaximum
		}

		windowEnd := r.Timestamp
		windowStart := windowEnd.Add(-time.Duration(s.DeltaTime) * time.Microsecond)
		if i == 0 || windowStart.Before(tStart) {
			tStart = windowStart
		}
		if windowEnd.After(tEnd) {
			tEnd = windowEnd
		}
	}

	elapsed := tEnd.Sub(tStart)
	var mbps float64
	if elapsed > 0 {
		mbps = float64(totalBytes*8) / elapsed.Seconds() / 1e6
	}

	var lossRatio, oooRatio, dupRatio float64
	if totalDatagrams > 0 {
		lossRatio = float64(totalLoss) / float64(totalDatagrams)
		oooRatio = float64(totalOoo) / float64(totalDatagrams)
		dupRatio = float64(totalDup) / float64(totalDatagrams)
	}

	row := Row{
		TStart:      tStart,
		TEnd:        tEnd,
		Mbps:        mbps,
		LossRatio:   lossRatio,
		OooRatio:    oooRatio,
		DupRatio:    dupRatio,
		DelayMin:    delayMin,
		DelayMax:    delayMax,
		RTTMin:      rttMin,
		RTTMax:      rttMax,
		ActiveConns: len(reports),
	}

	if !a.haveAllTime || delayMin < a.allTimeDelayMin {
		a.allTimeDelayMin = delayMin
	}
	if delayMax > a.allTimeDelayMax {
		a.allTimeDelayMax = delayMax
	}
	if !a.haveAllTime || (haveRTT && rttMin < a.allTimeRTTMin) {
		a.allTimeRTTMin = rttMin
	}
	if rttMax > a.allTimeRTTMax {
		a.allTimeRTTMax = rttMax
	}
	a.haveAllTime = true

	a.rows = append(a.rows, row)
	if a.onRow != nil {
		a.onRow(row)
	}
}

// Summary is the end-of-test report: every rolled-up Row split into the
// bimodal preamble and the steady-state remainder, plus all-time minima
// and maxima across the whole test.
type Summary struct {
	BimodalRows     []Row
	SteadyRows      []Row
	AllTimeDelayMin uint32
	AllTimeDelayMax uint32
	AllTimeRTTMin   uint32
	AllTimeRTTMax   uint32
}

// Summary snapshots the aggregator's accumulated rows and all-time
// extrema, splitting at bimodalCount.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	split := a.bimodalCount
	if split > len(a.rows) {
		split = len(a.rows)
	}

	bimodal := make([]Row, split)
	copy(bimodal, a.rows[:split])
	steady := make([]Row, len(a.rows)-split)
	copy(steady, a.rows[split:])

	return Summary{
		BimodalRows:     bimodal,
		SteadyRows:      steady,
		AllTimeDelayMin: a.allTimeDelayMin,
		AllTimeDelayMax: a.allTimeDelayMax,
		AllTimeRTTMin:   a.allTimeRTTMin,
		AllTimeRTTMax:   a.allTimeRTTMax,
	}
}
