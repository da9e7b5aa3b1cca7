package udpst

import "math/rand/v2"

// HSpeedThresh is the table index at and above which rows use the larger/
// dual-train burst schema (the high-speed regime) rather than a single
// modest burst per interval.
const HSpeedThresh = 40

// baseInterval1Usec and basePayload1Bytes are the starting shape for the
// low-rate, single-train rows below HSpeedThresh.
const (
	baseInterval1Usec = 100000 // 100ms
	basePayload1Bytes  = 1024
)

// BuildSendingRateTable generates the MAX_SENDING_RATES rows of
// monotonically increasing theoretical throughput described in the Rate
// Controller: single-train 100ms rows below HSpeedThresh (one more
// datagram per burst every four indices), dual-train 10ms rows above it
// (one more datagram per index, split across the two trains).
func BuildSendingRateTable() []SendingRate {
	table := make([]SendingRate, MaxSendingRates)
	for i := range table {
		switch {
		case i < HSpeedThresh:
			burst := uint32(i/4) + 1
			table[i] = SendingRate{
				TxInterval1: baseInterval1Usec,
				UDPPayload1: basePayload1Bytes,
				BurstSize1:  burst,
			}
		default:
			steps := uint32(i - HSpeedThresh + 1)
			table[i] = SendingRate{
				TxInterval1: 10000, // 10ms
				UDPPayload1: basePayload1Bytes,
				BurstSize1:  steps,
				TxInterval2: 10000,
				UDPPayload2: basePayload1Bytes,
				BurstSize2:  steps / 2,
				UDPAddon2:   (steps % 2) * 128,
			}
		}
	}
	return table
}

// RandomizedPayload resolves SrateRandBit on a sending-rate payload field
// into a concrete per-burst byte count, delegating to RandomizedSize with
// a math/rand/v2-backed source.
func RandomizedPayload(field uint32) uint32 {
	return RandomizedSize(field, rand.Float64)
}
