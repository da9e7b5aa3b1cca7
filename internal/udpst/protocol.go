package udpst

import "fmt"

// -------------------------------------------------------------------------
// Protocol Version
// -------------------------------------------------------------------------

const (
	// ProtocolVer is the current protocol version a client always advertises.
	ProtocolVer uint16 = 20

	// ProtocolMin is the lowest version a server will accept.
	ProtocolMin uint16 = 11

	// MsSubIntPVer is the version at and above which subIntPeriod is carried
	// in milliseconds instead of the legacy one-byte seconds field.
	MsSubIntPVer uint16 = 20

	// ExtAuthPVer is the version at and above which the Test-Act PDU carries
	// its own authentication overlay (below it, the checksum occupies the
	// field historically named reserved3, and there is no CHTA auth tail).
	ExtAuthPVer uint16 = 20

	// SrASuppPVer is the version at and above which the sending-rate
	// adjustment-suppression bit is understood.
	SrASuppPVer uint16 = 20
)

// -------------------------------------------------------------------------
// Sizes
// -------------------------------------------------------------------------

const (
	// Sha256KeyLen is the length in bytes of each derived KBKDF key half.
	Sha256KeyLen = 32

	// AuthDigestLength is the length in bytes of the HMAC-SHA-256 digest
	// carried in the authentication overlay.
	AuthDigestLength = 32

	// MaxBurstSize bounds the number of catch-up Load PDUs issued in a
	// single scheduler call when the clock has slipped.
	MaxBurstSize = 100

	// MinIntervalUsec is the event-loop tick granularity in microseconds.
	MinIntervalUsec = 100

	// MaxSendingRates bounds the number of rows in the sending-rate table.
	MaxSendingRates = 200

	// MaxMCCount bounds the number of connections in a multi-connection
	// group.
	MaxMCCount = 64

	// AlertMsgLimit caps the number of rate-limited local alerts emitted
	// per connection per window for decode-error storms.
	AlertMsgLimit = 5
)

// -------------------------------------------------------------------------
// Modifier / option bits
// -------------------------------------------------------------------------

const (
	// SrateRandBit marks a udpPayloadX (or burst) field as carrying a
	// maximum rather than a fixed value: the sender draws a uniform random
	// size in [1, masked value] per burst. See DESIGN.md for the
	// resolution of this field's ambiguous semantics.
	SrateRandBit uint32 = 0x80000000

	// SrateValueMask extracts the numeric value from a field that may
	// carry SrateRandBit.
	SrateValueMask uint32 = 0x7FFFFFFF

	// CHSRUsDirBit, when set on the advertised maxBandwidth field, marks
	// the request as an upstream test (client sends, server receives).
	CHSRUsDirBit uint32 = 0x8000

	// CHSRJumboStatus marks jumbo-datagram support in the CHSR modifier
	// bitmap.
	CHSRJumboStatus uint8 = 0x01

	// CHSRTraditionalMTU marks traditional (non-jumbo) MTU-only support in
	// the CHSR modifier bitmap.
	CHSRTraditionalMTU uint8 = 0x02

	// CHTASrIdxIsStart marks the client's requested sending-rate index as
	// an adaptive starting point rather than a fixed rate.
	CHTASrIdxIsStart uint8 = 0x01

	// CHTARandPayload requests payload-size randomization (SrateRandBit
	// semantics) for the negotiated sending-rate row.
	CHTARandPayload uint8 = 0x02

	// CHTASrIdxDef is the sentinel "auto" value for the requested starting
	// sending-rate index: start adaptation at index 0.
	CHTASrIdxDef uint16 = 0xFFFF

	// StatusNodel is the sentinel value for an unset delay-variation or
	// RTT sample field in a Status PDU.
	StatusNodel uint32 = 0xFFFFFFFF
)

// -------------------------------------------------------------------------
// PDU identifiers
// -------------------------------------------------------------------------

// PDUID identifies a PDU family by its leading 16-bit wire tag. Decoding
// dispatches on this tag rather than aliasing one struct as another.
type PDUID uint16

const (
	// PDUSetup is the Setup Request/Response (CHSR) PDU tag.
	PDUSetup PDUID = 0xACE1

	// PDUNullReq is the Null Request (CHNR) PDU tag, used by the server to
	// prime NAT/firewall state toward the client's new test port.
	PDUNullReq PDUID = 0xDEAD

	// PDUTestAct is the Test-Activation Request/Response (CHTA) PDU tag.
	PDUTestAct PDUID = 0xACE2

	// PDULoad is the Load (data-plane) PDU tag.
	PDULoad PDUID = 0xBEEF

	// PDUStatus is the Status (feedback) PDU tag.
	PDUStatus PDUID = 0xFEED
)

// String returns a human-readable PDU family name.
func (id PDUID) String() string {
	switch id {
	case PDUSetup:
		return "Setup"
	case PDUNullReq:
		return "NullReq"
	case PDUTestAct:
		return "TestAct"
	case PDULoad:
		return "Load"
	case PDUStatus:
		return "Status"
	default:
		return fmt.Sprintf(unknownFmt, uint16(id))
	}
}

// -------------------------------------------------------------------------
// CHSR command request/response codes
// -------------------------------------------------------------------------

// CHSRCmdRequest identifies the operation requested by a Setup PDU.
type CHSRCmdRequest uint8

const (
	// CHSRReqSetup requests a new test connection.
	CHSRReqSetup CHSRCmdRequest = 1
)

// CHSRCmdResponse is the outcome code echoed in a Setup response.
type CHSRCmdResponse uint8

const (
	// CHSRAckOK indicates the setup request succeeded.
	CHSRAckOK CHSRCmdResponse = iota + 1
	// CHSRBadVer indicates the advertised version is outside [ProtocolMin, ProtocolVer].
	CHSRBadVer
	// CHSRBadJS indicates jumbo/traditional-MTU option negotiation failed.
	CHSRBadJS
	// CHSRAuthNC indicates authentication is required but not configured locally.
	CHSRAuthNC
	// CHSRAuthReq indicates authentication is required but the request carried none.
	CHSRAuthReq
	// CHSRAuthInv indicates the auth mode or key ID is invalid.
	CHSRAuthInv
	// CHSRAuthFail indicates HMAC verification failed.
	CHSRAuthFail
	// CHSRAuthTime indicates authUnixTime fell outside the acceptance window.
	CHSRAuthTime
	// CHSRNoMaxBW indicates the server has no configured maximum bandwidth.
	CHSRNoMaxBW
	// CHSRCapExc indicates the requested bandwidth would exceed the server's cap.
	CHSRCapExc
	// CHSRBadTMtu indicates a traditional-MTU/jumbo mismatch.
	CHSRBadTMtu
	// CHSRMCInvPar indicates mcIndex/mcCount are inconsistent.
	CHSRMCInvPar
	// CHSRConnFail indicates the server could not allocate/bind a test connection.
	CHSRConnFail
)

var chsrCmdResponseNames = [...]string{
	"ACKOK", "BADVER", "BADJS", "AUTHNC", "AUTHREQ", "AUTHINV",
	"AUTHFAIL", "AUTHTIME", "NOMAXBW", "CAPEXC", "BADTMTU", "MCINVPAR", "CONNFAIL",
}

// String returns the RFC-style mnemonic for the response code.
func (c CHSRCmdResponse) String() string {
	idx := int(c) - 1
	if idx >= 0 && idx < len(chsrCmdResponseNames) {
		return chsrCmdResponseNames[idx]
	}
	return fmt.Sprintf(unknownFmt, uint8(c))
}

// -------------------------------------------------------------------------
// CHTA command request/response codes
// -------------------------------------------------------------------------

// CHTACmdRequest identifies the operation requested by a Test-Act PDU and
// directly encodes the requested test direction: there is no separate
// direction field on this PDU.
type CHTACmdRequest uint8

const (
	// CHTAReqActivateUpstream requests an upstream test (client sends,
	// server receives).
	CHTAReqActivateUpstream CHTACmdRequest = 1
	// CHTAReqActivateDownstream requests a downstream test (server sends,
	// client receives).
	CHTAReqActivateDownstream CHTACmdRequest = 2
)

// TestType returns the test direction encoded by this request.
func (c CHTACmdRequest) TestType() TestType {
	if c == CHTAReqActivateUpstream {
		return TestTypeUpstream
	}
	return TestTypeDownstream
}

// CHTACmdResponse is the outcome code echoed in a Test-Act response.
type CHTACmdResponse uint8

const (
	// CHTAAckOK indicates the (possibly policed) parameters were accepted.
	CHTAAckOK CHTACmdResponse = iota + 1
	// CHTABadParam indicates a parameter combination could not be policed
	// into a valid configuration and was hard-rejected.
	CHTABadParam
)

var chtaCmdResponseNames = [...]string{"ACKOK", "BADPARAM"}

// String returns the RFC-style mnemonic for the response code.
func (c CHTACmdResponse) String() string {
	idx := int(c) - 1
	if idx >= 0 && idx < len(chtaCmdResponseNames) {
		return chtaCmdResponseNames[idx]
	}
	return fmt.Sprintf(unknownFmt, uint8(c))
}

// -------------------------------------------------------------------------
// Test action / type / state enums
// -------------------------------------------------------------------------

// TestAction tracks the monotonic Idle -> Test -> Stop1 -> Stop2 progression
// of a connection's measurement lifecycle.
type TestAction uint8

const (
	// TestActIdle is the pre-activation state.
	TestActIdle TestAction = iota
	// TestActTest is the active-measurement state.
	TestActTest
	// TestActStop1 marks local stop intent; load PDUs begin carrying it.
	TestActStop1
	// TestActStop2 marks peer-confirmed stop; teardown follows.
	TestActStop2
)

var testActionNames = [...]string{"Idle", "Test", "Stop1", "Stop2"}

// String returns the human-readable test-action name.
func (a TestAction) String() string {
	if int(a) < len(testActionNames) {
		return testActionNames[a]
	}
	return fmt.Sprintf(unknownFmt, uint8(a))
}

// TestType identifies which side of a connection carries load traffic.
type TestType uint8

const (
	// TestTypeDownstream: server sends, client receives.
	TestTypeDownstream TestType = iota
	// TestTypeUpstream: client sends, server receives.
	TestTypeUpstream
)

func (t TestType) String() string {
	if t == TestTypeUpstream {
		return "Upstream"
	}
	return "Downstream"
}

// ConnState is the lifecycle state of a connection-table slot.
type ConnState uint8

const (
	// ConnFree marks an unallocated slot (fd == -1 in the source model).
	ConnFree ConnState = iota
	// ConnCreated marks a slot allocated but not yet socket-bound.
	ConnCreated
	// ConnBound marks a slot with a bound/connected socket, pre-measurement.
	ConnBound
	// ConnData marks a slot actively running the data state machine.
	ConnData
)

var connStateNames = [...]string{"Free", "Created", "Bound", "Data"}

func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// RateAdjAlgo selects the Rate Controller's index-walk rule.
type RateAdjAlgo uint8

const (
	// RateAdjB is the "balanced" algorithm: additive-increase/
	// multiplicative-decrease tempered to one step at a time in the low band.
	RateAdjB RateAdjAlgo = iota
	// RateAdjC is the "conservative" algorithm: drop-one-then-dwell on
	// congestion, suppressing oscillation near the capacity boundary.
	RateAdjC
)

func (a RateAdjAlgo) String() string {
	if a == RateAdjC {
		return "C"
	}
	return "B"
}

// ParseRateAdjAlgo maps a configuration string ("b"/"c", case-insensitive)
// to its RateAdjAlgo value. Unrecognized values default to RateAdjB.
func ParseRateAdjAlgo(s string) RateAdjAlgo {
	if len(s) == 1 && (s[0] == 'c' || s[0] == 'C') {
		return RateAdjC
	}
	return RateAdjB
}

// AuthMode selects the authentication envelope applied to control and
// status PDUs.
type AuthMode uint8

const (
	// AuthModeNone disables authentication (unofficial, for local testing).
	AuthModeNone AuthMode = 0
	// AuthModeHMAC enables HMAC-SHA-256 over the whole PDU with digest and
	// checksum zeroed during computation.
	AuthModeHMAC AuthMode = 1
)

const unknownFmt = "Unknown(%d)"
