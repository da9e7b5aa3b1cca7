package udpst

import "time"

// SubIntervalReport is handed to a SubIntervalCallback each time a
// sub-interval rolls over (trialIntClock + subIntPeriod), and again as
// the final report when a connection tears down.
type SubIntervalReport struct {
	ConnIndex int
	SeqNo     uint32
	Stats     SubIntervalStats
	Timestamp time.Time
}

// SubIntervalCallback is invoked once per finalized sub-interval window.
// Implementations feed the Aggregator & Reporter (C8).
type SubIntervalCallback func(SubIntervalReport)

// SummaryReport is the running-totals view of a test connection,
// recomputed whenever a sub-interval finalizes.
type SummaryReport struct {
	ConnIndex     int
	RxDatagrams   uint64
	RxBytes       uint64
	SeqErrLoss    uint64
	SeqErrOoo     uint64
	SeqErrDup     uint64
	DelayVarMin   uint32
	DelayVarMax   uint32
	RTTMinimum    uint32
	ElapsedTime   time.Duration
}

// SummaryCallback is invoked with the connection's running totals
// alongside each SubIntervalCallback invocation.
type SummaryCallback func(SummaryReport)
