package udpst

// Classification is the per-trial delay/loss classification feeding both
// rate-adjustment algorithms.
type Classification uint8

const (
	// ClassSteady: neither congested nor under-utilised.
	ClassSteady Classification = iota
	// ClassCongested: delay variation at/above upperThresh, or the
	// sequence-error count at/above seqErrThresh.
	ClassCongested
	// ClassUnderUtilised: delay variation at/below lowThresh and the
	// sequence-error count below seqErrThresh.
	ClassUnderUtilised
)

// Classify implements the per-trial classification rule common to both
// algorithms.
func Classify(delayVar, lowThresh, upperThresh uint32, seqErrDelta, seqErrThresh uint32) Classification {
	switch {
	case delayVar >= upperThresh || seqErrDelta >= seqErrThresh:
		return ClassCongested
	case delayVar <= lowThresh && seqErrDelta < seqErrThresh:
		return ClassUnderUtilised
	default:
		return ClassSteady
	}
}

// RateAdjustState carries the per-connection mutable state the two
// algorithms need across trials: the current step size (for Algorithm
// B's tempering) and the consecutive-congestion/dwell counter (shared
// meaning differs by algorithm, documented per field).
type RateAdjustState struct {
	// Step is Algorithm B's current congested-side step size, halved
	// (floor 1) after slowAdjThresh consecutive congested trials.
	Step uint32

	// ConsecutiveCongested counts consecutive Congested classifications,
	// used by Algorithm B to decide when to halve Step.
	ConsecutiveCongested uint32

	// Dwell is Algorithm C's remaining trial count during which only
	// downward moves are permitted after a Congested classification.
	Dwell uint32
}

// NextIndexB implements Algorithm B ("balanced"): additive increase with
// a high-speed step multiplier, multiplicative-decrease tempered to
// one-step-at-a-time once congestion persists for slowAdjThresh trials.
func NextIndexB(state *RateAdjustState, index int, class Classification, hSpeedThresh int, highSpeedDelta, slowAdjThresh uint32) int {
	if state.Step == 0 {
		state.Step = 1
	}

	switch class {
	case ClassUnderUtilised:
		state.ConsecutiveCongested = 0
		step := uint32(1)
		if index >= hSpeedThresh {
			step = highSpeedDelta
		}
		return index + int(step)

	case ClassCongested:
		state.ConsecutiveCongested++
		if state.ConsecutiveCongested >= slowAdjThresh {
			if state.Step > 1 {
				state.Step /= 2
			}
			state.ConsecutiveCongested = 0
		}
		next := index - int(state.Step)
		if next < 0 {
			next = 0
		}
		return next

	default: // ClassSteady
		state.ConsecutiveCongested = 0
		return index
	}
}

// NextIndexC implements Algorithm C ("conservative"): the identical
// upward rule, but a Congested classification drops exactly one index
// and then suppresses all upward moves for slowAdjThresh trials — during
// the dwell, only downward moves (of one index) are permitted.
func NextIndexC(state *RateAdjustState, index int, class Classification, hSpeedThresh int, highSpeedDelta, slowAdjThresh uint32) int {
	if state.Dwell > 0 {
		state.Dwell--
		if class == ClassCongested {
			next := index - 1
			if next < 0 {
				next = 0
			}
			return next
		}
		return index
	}

	switch class {
	case ClassUnderUtilised:
		step := uint32(1)
		if index >= hSpeedThresh {
			step = highSpeedDelta
		}
		return index + int(step)

	case ClassCongested:
		state.Dwell = slowAdjThresh
		next := index - 1
		if next < 0 {
			next = 0
		}
		return next

	default: // ClassSteady
		return index
	}
}

// NextIndex dispatches to the connection's configured algorithm.
func NextIndex(algo RateAdjAlgo, state *RateAdjustState, index int, class Classification, hSpeedThresh int, highSpeedDelta, slowAdjThresh uint32) int {
	if algo == RateAdjC {
		return NextIndexC(state, index, class, hSpeedThresh, highSpeedDelta, slowAdjThresh)
	}
	return NextIndexB(state, index, class, hSpeedThresh, highSpeedDelta, slowAdjThresh)
}

// StartingIndex resolves the Starting Index rule: DEF starts at 0; a
// configured index with srIndexIsStart adapts from there; a configured
// index without srIndexIsStart holds fixed (the caller suppresses
// adaptation entirely in that case).
func StartingIndex(srIndexConf uint16) int {
	if srIndexConf == CHTASrIdxDef {
		return 0
	}
	return int(srIndexConf)
}
