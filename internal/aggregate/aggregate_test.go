package aggregate_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dantte-lp/udpst/internal/aggregate"
	"github.com/dantte-lp/udpst/internal/udpst"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregatorFlushesOnceAllMembersReport(t *testing.T) {
	t.Parallel()

	var rows []aggregate.Row
	agg := aggregate.NewAggregator(2, 0, func(r aggregate.Row) { rows = append(rows, r) }, testLogger())

	now := time.Unix(1700000000, 0)
	agg.Ingest(udpst.SubIntervalReport{
		ConnIndex: 0,
		SeqNo:     1,
		Stats:     udpst.SubIntervalStats{RxDatagrams: 100, RxBytes: 150000, DeltaTime: 1_000_000, DelayVarMin: 2, DelayVarMax: 8, RTTMinimum: 10, RTTMaximum: 20},
		Timestamp: now,
	})
	if len(rows) != 0 {
		t.Fatalf("flushed before all members reported: got %d rows", len(rows))
	}

	agg.Ingest(udpst.SubIntervalReport{
		ConnIndex: 1,
		SeqNo:     1,
		Stats:     udpst.SubIntervalStats{RxDatagrams: 100, RxBytes: 150000, DeltaTime: 1_000_000, DelayVarMin: 1, DelayVarMax: 12, RTTMinimum: 8, RTTMaximum: 25},
		Timestamp: now,
	})
	if len(rows) != 1 {
		t.Fatalf("expected one flushed row, got %d", len(rows))
	}

	row := rows[0]
	if row.ActiveConns != 2 {
		t.Errorf("ActiveConns = %d, want 2", row.ActiveConns)
	}
	if row.DelayMin != 1 {
		t.Errorf("DelayMin = %d, want min-of-mins 1", row.DelayMin)
	}
	if row.DelayMax != 12 {
		t.Errorf("DelayMax = %d, want max-of-maxes 12", row.DelayMax)
	}
	if row.RTTMin != 8 {
		t.Errorf("RTTMin = %d, want 8", row.RTTMin)
	}
	if row.RTTMax != 25 {
		t.Errorf("RTTMax = %d, want 25", row.RTTMax)
	}
	if row.Mbps <= 0 {
		t.Errorf("Mbps = %v, want > 0", row.Mbps)
	}
}

func TestAggregatorLossRatioAndRun(t *testing.T) {
	t.Parallel()

	var rows []aggregate.Row
	agg := aggregate.NewAggregator(1, 0, func(r aggregate.Row) { rows = append(rows, r) }, testLogger())

	events := make(chan udpst.SubIntervalReport, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx, events) }()

	now := time.Unix(1700000100, 0)
	events <- udpst.SubIntervalReport{
		ConnIndex: 0,
		SeqNo:     1,
		Stats:     udpst.SubIntervalStats{RxDatagrams: 100, RxBytes: 1000, DeltaTime: 1_000_000, SeqErrLoss: 10, SeqErrOoo: 5, SeqErrDup: 2},
		Timestamp: now,
	}

	close(events)
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.LossRatio != 0.1 {
		t.Errorf("LossRatio = %v, want 0.1", row.LossRatio)
	}
	if row.OooRatio != 0.05 {
		t.Errorf("OooRatio = %v, want 0.05", row.OooRatio)
	}
	if row.DupRatio != 0.02 {
		t.Errorf("DupRatio = %v, want 0.02", row.DupRatio)
	}
}

func TestAggregatorSummaryBimodalSplit(t *testing.T) {
	t.Parallel()

	agg := aggregate.NewAggregator(1, 2, nil, testLogger())

	base := time.Unix(1700000200, 0)
	for seq := uint32(1); seq <= 5; seq++ {
		agg.Ingest(udpst.SubIntervalReport{
			ConnIndex: 0,
			SeqNo:     seq,
			Stats:     udpst.SubIntervalStats{RxDatagrams: 10, RxBytes: 1000, DeltaTime: 1_000_000, DelayVarMin: seq, DelayVarMax: seq + 10, RTTMinimum: seq, RTTMaximum: seq + 20},
			Timestamp: base.Add(time.Duration(seq) * time.Second),
		})
	}

	summary := agg.Summary()
	if len(summary.BimodalRows) != 2 {
		t.Fatalf("BimodalRows len = %d, want 2", len(summary.BimodalRows))
	}
	if len(summary.SteadyRows) != 3 {
		t.Fatalf("SteadyRows len = %d, want 3", len(summary.SteadyRows))
	}
	if summary.AllTimeDelayMin != 1 {
		t.Errorf("AllTimeDelayMin = %d, want 1", summary.AllTimeDelayMin)
	}
	if summary.AllTimeDelayMax != 15 {
		t.Errorf("AllTimeDelayMax = %d, want 15", summary.AllTimeDelayMax)
	}
	if summary.AllTimeRTTMin != 1 {
		t.Errorf("AllTimeRTTMin = %d, want 1", summary.AllTimeRTTMin)
	}
	if summary.AllTimeRTTMax != 25 {
		t.Errorf("AllTimeRTTMax = %d, want 25", summary.AllTimeRTTMax)
	}
}

func TestAggregatorSummaryClampsSplitToAvailableRows(t *testing.T) {
	t.Parallel()

	agg := aggregate.NewAggregator(1, 10, nil, testLogger())
	agg.Ingest(udpst.SubIntervalReport{
		ConnIndex: 0,
		SeqNo:     1,
		Stats:     udpst.SubIntervalStats{RxDatagrams: 1, RxBytes: 100, DeltaTime: 1_000_000},
		Timestamp: time.Unix(1700000300, 0),
	})

	summary := agg.Summary()
	if len(summary.BimodalRows) != 1 {
		t.Errorf("BimodalRows len = %d, want 1 (clamped)", len(summary.BimodalRows))
	}
	if len(summary.SteadyRows) != 0 {
		t.Errorf("SteadyRows len = %d, want 0", len(summary.SteadyRows))
	}
}
