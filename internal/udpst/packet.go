package udpst

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

var (
	// ErrPacketTooShort indicates the received data is shorter than the
	// minimum size for its PDU family.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrBufTooSmall indicates the caller-provided buffer is too small for
	// Marshal.
	ErrBufTooSmall = errors.New("buffer too small")

	// ErrUnknownPDU indicates the leading 16-bit tag does not match any
	// known PDU family.
	ErrUnknownPDU = errors.New("unknown PDU id")

	// ErrChecksumMismatch indicates a non-zero on-wire checksum failed to
	// recompute to zero (ones-complement self-check).
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// MaxPacketSize is the largest buffer size any PDU family requires,
// including the largest possible Load-PDU payload.
const MaxPacketSize = 1500

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for zero-allocation I/O
// -------------------------------------------------------------------------

// PacketPool provides reusable buffers for UDPST packet I/O. Callers Get()
// a *[]byte before receiving, and Put() it after processing.
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}

// -------------------------------------------------------------------------
// authTail — explicit authentication overlay
// -------------------------------------------------------------------------

// authTailSize is the wire size of authTail in bytes:
// authMode(1) + authUnixTime(4) + authDigest(32) + keyId(1) + reservedAuth1(1) + checkSum(2).
const authTailSize = 1 + 4 + AuthDigestLength + 1 + 1 + 2

// authTail is the authentication overlay embedded identically at the tail
// of every control and status PDU. Re-architected per the wire-layout
// design note as an explicit struct occupying its own trailing bytes in
// each PDU's Go type, rather than reached by a negative-offset cast from
// authMode as in the original C layout.
type authTail struct {
	AuthMode      AuthMode
	AuthUnixTime  uint32
	AuthDigest    [AuthDigestLength]byte
	KeyID         uint8
	ReservedAuth1 uint8
	CheckSum      uint16
}

func (t *authTail) marshal(buf []byte) {
	buf[0] = uint8(t.AuthMode)
	binary.BigEndian.PutUint32(buf[1:5], t.AuthUnixTime)
	copy(buf[5:5+AuthDigestLength], t.AuthDigest[:])
	buf[5+AuthDigestLength] = t.KeyID
	buf[6+AuthDigestLength] = t.ReservedAuth1
	binary.BigEndian.PutUint16(buf[7+AuthDigestLength:9+AuthDigestLength], t.CheckSum)
}

func (t *authTail) unmarshal(buf []byte) {
	t.AuthMode = AuthMode(buf[0])
	t.AuthUnixTime = binary.BigEndian.Uint32(buf[1:5])
	copy(t.AuthDigest[:], buf[5:5+AuthDigestLength])
	t.KeyID = buf[5+AuthDigestLength]
	t.ReservedAuth1 = buf[6+AuthDigestLength]
	t.CheckSum = binary.BigEndian.Uint16(buf[7+AuthDigestLength : 9+AuthDigestLength])
}

// checksumOffsetInTail is the byte offset of the CheckSum field within a
// marshaled authTail, relative to the start of the tail.
const checksumOffsetInTail = 7 + AuthDigestLength

// -------------------------------------------------------------------------
// SendingRate — two-train wire schema, also an immutable table row
// -------------------------------------------------------------------------

// SendingRate describes one row of the sending-rate table: two independent
// transmission "trains" that together approximate any achievable rate.
// Any of UDPPayload1, UDPPayload2, BurstSize1, BurstSize2 may carry
// SrateRandBit to request a randomized size up to the masked value.
type SendingRate struct {
	TxInterval1 uint32 // microseconds
	UDPPayload1 uint32 // bytes, or SrateRandBit|max
	BurstSize1  uint32 // datagrams per interval
	TxInterval2 uint32 // microseconds
	UDPPayload2 uint32 // bytes, or SrateRandBit|max
	BurstSize2  uint32 // datagrams per interval
	UDPAddon2   uint32 // bytes, tail datagram for non-integral rates
}

const sendingRateSize = 7 * 4

func (s *SendingRate) marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], s.TxInterval1)
	binary.BigEndian.PutUint32(buf[4:8], s.UDPPayload1)
	binary.BigEndian.PutUint32(buf[8:12], s.BurstSize1)
	binary.BigEndian.PutUint32(buf[12:16], s.TxInterval2)
	binary.BigEndian.PutUint32(buf[16:20], s.UDPPayload2)
	binary.BigEndian.PutUint32(buf[20:24], s.BurstSize2)
	binary.BigEndian.PutUint32(buf[24:28], s.UDPAddon2)
}

func (s *SendingRate) unmarshal(buf []byte) {
	s.TxInterval1 = binary.BigEndian.Uint32(buf[0:4])
	s.UDPPayload1 = binary.BigEndian.Uint32(buf[4:8])
	s.BurstSize1 = binary.BigEndian.Uint32(buf[8:12])
	s.TxInterval2 = binary.BigEndian.Uint32(buf[12:16])
	s.UDPPayload2 = binary.BigEndian.Uint32(buf[16:20])
	s.BurstSize2 = binary.BigEndian.Uint32(buf[20:24])
	s.UDPAddon2 = binary.BigEndian.Uint32(buf[24:28])
}

// RandomizedSize returns the field value, resolving SrateRandBit via rnd
// (a [0,1) uniform sample from math/rand/v2) into a size in [1, masked].
func RandomizedSize(field uint32, rnd func() float64) uint32 {
	if field&SrateRandBit == 0 {
		return field
	}
	maxVal := field & SrateValueMask
	if maxVal == 0 {
		return 0
	}
	return 1 + uint32(rnd()*float64(maxVal))
}

// -------------------------------------------------------------------------
// SubIntervalStats — wire-embedded in Status PDUs
// -------------------------------------------------------------------------

// SubIntervalStats accumulates per-sub-interval receive statistics.
type SubIntervalStats struct {
	RxDatagrams  uint32
	RxBytes      uint64
	DeltaTime    uint32 // microseconds
	SeqErrLoss   uint32
	SeqErrOoo    uint32
	SeqErrDup    uint32
	DelayVarMin  uint32 // ms
	DelayVarMax  uint32 // ms
	DelayVarSum  uint32 // ms
	DelayVarCnt  uint32
	RTTMinimum   uint32 // ms
	RTTMaximum   uint32 // ms
	AccumTime    uint32 // ms
}

const subIntervalStatsSize = 4 + 8 + 4*11

func (s *SubIntervalStats) marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], s.RxDatagrams)
	binary.BigEndian.PutUint64(buf[4:12], s.RxBytes)
	binary.BigEndian.PutUint32(buf[12:16], s.DeltaTime)
	binary.BigEndian.PutUint32(buf[16:20], s.SeqErrLoss)
	binary.BigEndian.PutUint32(buf[20:24], s.SeqErrOoo)
	binary.BigEndian.PutUint32(buf[24:28], s.SeqErrDup)
	binary.BigEndian.PutUint32(buf[28:32], s.DelayVarMin)
	binary.BigEndian.PutUint32(buf[32:36], s.DelayVarMax)
	binary.BigEndian.PutUint32(buf[36:40], s.DelayVarSum)
	binary.BigEndian.PutUint32(buf[40:44], s.DelayVarCnt)
	binary.BigEndian.PutUint32(buf[44:48], s.RTTMinimum)
	binary.BigEndian.PutUint32(buf[48:52], s.RTTMaximum)
	binary.BigEndian.PutUint32(buf[52:56], s.AccumTime)
}

func (s *SubIntervalStats) unmarshal(buf []byte) {
	s.RxDatagrams = binary.BigEndian.Uint32(buf[0:4])
	s.RxBytes = binary.BigEndian.Uint64(buf[4:12])
	s.DeltaTime = binary.BigEndian.Uint32(buf[12:16])
	s.SeqErrLoss = binary.BigEndian.Uint32(buf[16:20])
	s.SeqErrOoo = binary.BigEndian.Uint32(buf[20:24])
	s.SeqErrDup = binary.BigEndian.Uint32(buf[24:28])
	s.DelayVarMin = binary.BigEndian.Uint32(buf[28:32])
	s.DelayVarMax = binary.BigEndian.Uint32(buf[32:36])
	s.DelayVarSum = binary.BigEndian.Uint32(buf[36:40])
	s.DelayVarCnt = binary.BigEndian.Uint32(buf[40:44])
	s.RTTMinimum = binary.BigEndian.Uint32(buf[44:48])
	s.RTTMaximum = binary.BigEndian.Uint32(buf[48:52])
	s.AccumTime = binary.BigEndian.Uint32(buf[52:56])
}

// -------------------------------------------------------------------------
// SetupPDU — CHSR (0xACE1)
// -------------------------------------------------------------------------

// SetupPDU is the Setup Request/Response PDU: negotiates protocol version,
// multi-connection coordinates, bandwidth direction/cap, and jumbo/
// traditional-MTU options.
type SetupPDU struct {
	ProtocolVer    uint16
	MCIndex        uint8
	MCCount        uint8
	MCIdent        uint16
	CmdRequest     CHSRCmdRequest
	CmdResponse    CHSRCmdResponse
	MaxBandwidth   uint16 // Mbps; bit 15 (CHSRUsDirBit) marks upstream
	TestPort       uint16
	ModifierBitmap uint8
	Auth           authTail
}

// setupPDUFixedSize is the size of SetupPDU before the auth tail.
const setupPDUFixedSize = 2 + 2 + 1 + 1 + 2 + 1 + 1 + 2 + 2 + 1

// SetupPDUSize is the total wire size of a SetupPDU.
const SetupPDUSize = setupPDUFixedSize + authTailSize

// Marshal encodes the Setup PDU into buf, which must be at least
// SetupPDUSize bytes.
func (p *SetupPDU) Marshal(buf []byte) (int, error) {
	if len(buf) < SetupPDUSize {
		return 0, fmt.Errorf("marshal setup pdu: need %d bytes, got %d: %w", SetupPDUSize, len(buf), ErrBufTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(PDUSetup))
	binary.BigEndian.PutUint16(buf[2:4], p.ProtocolVer)
	buf[4] = p.MCIndex
	buf[5] = p.MCCount
	binary.BigEndian.PutUint16(buf[6:8], p.MCIdent)
	buf[8] = uint8(p.CmdRequest)
	buf[9] = uint8(p.CmdResponse)
	binary.BigEndian.PutUint16(buf[10:12], p.MaxBandwidth)
	binary.BigEndian.PutUint16(buf[12:14], p.TestPort)
	buf[14] = p.ModifierBitmap
	p.Auth.marshal(buf[setupPDUFixedSize:SetupPDUSize])
	return SetupPDUSize, nil
}

// UnmarshalSetupPDU decodes a SetupPDU from buf.
func UnmarshalSetupPDU(buf []byte) (*SetupPDU, error) {
	if len(buf) < SetupPDUSize {
		return nil, fmt.Errorf("unmarshal setup pdu: need %d bytes, got %d: %w", SetupPDUSize, len(buf), ErrPacketTooShort)
	}
	p := &SetupPDU{
		ProtocolVer:    binary.BigEndian.Uint16(buf[2:4]),
		MCIndex:        buf[4],
		MCCount:        buf[5],
		MCIdent:        binary.BigEndian.Uint16(buf[6:8]),
		CmdRequest:     CHSRCmdRequest(buf[8]),
		CmdResponse:    CHSRCmdResponse(buf[9]),
		MaxBandwidth:   binary.BigEndian.Uint16(buf[10:12]),
		TestPort:       binary.BigEndian.Uint16(buf[12:14]),
		ModifierBitmap: buf[14],
	}
	p.Auth.unmarshal(buf[setupPDUFixedSize:SetupPDUSize])
	return p, nil
}

// -------------------------------------------------------------------------
// NullReqPDU — CHNR (0xDEAD)
// -------------------------------------------------------------------------

// NullReqPDU is the server-originated firewall/NAT primer sent from the
// freshly allocated test port toward the client, for protocol versions
// at or above 20.
type NullReqPDU struct {
	ProtocolVer uint16
	CmdRequest  uint8
	CmdResponse uint8
	Auth        authTail
}

const nullReqPDUFixedSize = 2 + 2 + 1 + 1 + 1 // + 1 byte alignment pad

// NullReqPDUSize is the total wire size of a NullReqPDU.
const NullReqPDUSize = nullReqPDUFixedSize + authTailSize

func (p *NullReqPDU) Marshal(buf []byte) (int, error) {
	if len(buf) < NullReqPDUSize {
		return 0, fmt.Errorf("marshal null req pdu: need %d bytes, got %d: %w", NullReqPDUSize, len(buf), ErrBufTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(PDUNullReq))
	binary.BigEndian.PutUint16(buf[2:4], p.ProtocolVer)
	buf[4] = p.CmdRequest
	buf[5] = p.CmdResponse
	buf[6] = 0 // reserved1: alignment pad
	p.Auth.marshal(buf[nullReqPDUFixedSize:NullReqPDUSize])
	return NullReqPDUSize, nil
}

func UnmarshalNullReqPDU(buf []byte) (*NullReqPDU, error) {
	if len(buf) < NullReqPDUSize {
		return nil, fmt.Errorf("unmarshal null req pdu: need %d bytes, got %d: %w", NullReqPDUSize, len(buf), ErrPacketTooShort)
	}
	p := &NullReqPDU{
		ProtocolVer: binary.BigEndian.Uint16(buf[2:4]),
		CmdRequest:  buf[4],
		CmdResponse: buf[5],
	}
	p.Auth.unmarshal(buf[nullReqPDUFixedSize:NullReqPDUSize])
	return p, nil
}

// -------------------------------------------------------------------------
// TestActPDU — CHTA (0xACE2)
// -------------------------------------------------------------------------

// TestActPDU is the Test-Activation Request/Response PDU: carries every
// negotiated test parameter plus the initial sending-rate row.
type TestActPDU struct {
	ProtocolVer    uint16
	CmdRequest     CHTACmdRequest
	CmdResponse    CHTACmdResponse
	LowThresh      uint16 // ms
	UpperThresh    uint16 // ms
	TrialInt       uint16 // ms
	TestIntTime    uint16 // seconds
	DSCPEcn        uint8
	SrIndexConf    uint16
	UseOwDelVar    uint8
	HighSpeedDelta uint8
	SlowAdjThresh  uint16
	SeqErrThresh   uint16
	IgnoreOooDup   uint8
	ModifierBitmap uint8 // CHTASrIdxIsStart | CHTARandPayload
	RateAdjAlgo    RateAdjAlgo
	SendingRate    SendingRate
	SubIntPeriod   uint16 // ms at/above MsSubIntPVer, legacy seconds byte below

	// LegacyCheckSum carries the checksum for protocol versions below
	// ExtAuthPVer, which have no auth tail and instead store the checksum
	// in this field (historically named reserved3).
	LegacyCheckSum uint16

	Auth authTail
}

const testActPDUFixedSize = 2 + 2 + 1 + 1 + 2 + 2 + 2 + 2 + 1 + 2 + 1 + 1 + 2 + 2 + 1 + 1 + 1 + sendingRateSize + 2

// testActPDULegacySize is the wire size when protocolVer < ExtAuthPVer:
// no auth tail, but a 2-byte checksum field instead.
const testActPDULegacySize = testActPDUFixedSize + 2

// TestActPDUSize is the total wire size of a current-version TestActPDU.
const TestActPDUSize = testActPDUFixedSize + authTailSize

// Size returns the wire size for this PDU's negotiated protocol version.
func (p *TestActPDU) Size() int {
	if p.ProtocolVer < ExtAuthPVer {
		return testActPDULegacySize
	}
	return TestActPDUSize
}

func (p *TestActPDU) Marshal(buf []byte) (int, error) {
	size := p.Size()
	if len(buf) < size {
		return 0, fmt.Errorf("marshal test act pdu: need %d bytes, got %d: %w", size, len(buf), ErrBufTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(PDUTestAct))
	binary.BigEndian.PutUint16(buf[2:4], p.ProtocolVer)
	buf[4] = uint8(p.CmdRequest)
	buf[5] = uint8(p.CmdResponse)
	binary.BigEndian.PutUint16(buf[6:8], p.LowThresh)
	binary.BigEndian.PutUint16(buf[8:10], p.UpperThresh)
	binary.BigEndian.PutUint16(buf[10:12], p.TrialInt)
	binary.BigEndian.PutUint16(buf[12:14], p.TestIntTime)
	buf[14] = p.DSCPEcn
	binary.BigEndian.PutUint16(buf[15:17], p.SrIndexConf)
	buf[17] = p.UseOwDelVar
	buf[18] = p.HighSpeedDelta
	binary.BigEndian.PutUint16(buf[19:21], p.SlowAdjThresh)
	binary.BigEndian.PutUint16(buf[21:23], p.SeqErrThresh)
	buf[23] = p.IgnoreOooDup
	buf[24] = p.ModifierBitmap
	buf[25] = uint8(p.RateAdjAlgo)
	p.SendingRate.marshal(buf[26 : 26+sendingRateSize])
	binary.BigEndian.PutUint16(buf[26+sendingRateSize:28+sendingRateSize], p.SubIntPeriod)

	if p.ProtocolVer < ExtAuthPVer {
		binary.BigEndian.PutUint16(buf[testActPDUFixedSize:testActPDULegacySize], p.LegacyCheckSum)
	} else {
		p.Auth.marshal(buf[testActPDUFixedSize:TestActPDUSize])
	}
	return size, nil
}

func UnmarshalTestActPDU(buf []byte) (*TestActPDU, error) {
	if len(buf) < testActPDUFixedSize {
		return nil, fmt.Errorf("unmarshal test act pdu: need at least %d bytes, got %d: %w", testActPDUFixedSize, len(buf), ErrPacketTooShort)
	}
	p := &TestActPDU{
		ProtocolVer:    binary.BigEndian.Uint16(buf[2:4]),
		CmdRequest:     CHTACmdRequest(buf[4]),
		CmdResponse:    CHTACmdResponse(buf[5]),
		LowThresh:      binary.BigEndian.Uint16(buf[6:8]),
		UpperThresh:    binary.BigEndian.Uint16(buf[8:10]),
		TrialInt:       binary.BigEndian.Uint16(buf[10:12]),
		TestIntTime:    binary.BigEndian.Uint16(buf[12:14]),
		DSCPEcn:        buf[14],
		SrIndexConf:    binary.BigEndian.Uint16(buf[15:17]),
		UseOwDelVar:    buf[17],
		HighSpeedDelta: buf[18],
		SlowAdjThresh:  binary.BigEndian.Uint16(buf[19:21]),
		SeqErrThresh:   binary.BigEndian.Uint16(buf[21:23]),
		IgnoreOooDup:   buf[23],
		ModifierBitmap: buf[24],
		RateAdjAlgo:    RateAdjAlgo(buf[25]),
	}
	p.SendingRate.unmarshal(buf[26 : 26+sendingRateSize])
	p.SubIntPeriod = binary.BigEndian.Uint16(buf[26+sendingRateSize : 28+sendingRateSize])

	if p.ProtocolVer < ExtAuthPVer {
		if len(buf) < testActPDULegacySize {
			return nil, fmt.Errorf("unmarshal test act pdu: legacy variant needs %d bytes, got %d: %w", testActPDULegacySize, len(buf), ErrPacketTooShort)
		}
		p.LegacyCheckSum = binary.BigEndian.Uint16(buf[testActPDUFixedSize:testActPDULegacySize])
	} else {
		if len(buf) < TestActPDUSize {
			return nil, fmt.Errorf("unmarshal test act pdu: need %d bytes, got %d: %w", TestActPDUSize, len(buf), ErrPacketTooShort)
		}
		p.Auth.unmarshal(buf[testActPDUFixedSize:TestActPDUSize])
	}
	return p, nil
}

// -------------------------------------------------------------------------
// LoadPDU — LOAD (0xBEEF)
// -------------------------------------------------------------------------

// LoadPDU is the forward-direction data-plane PDU. It carries no
// authentication overlay: only control and status PDUs are authenticated.
type LoadPDU struct {
	TestAction   TestAction
	RxStopped    uint8
	LPDUSeqNo    uint32
	UDPPayload   uint16
	SPDUSeqErr   uint16
	SPDUTimeSec  uint32
	SPDUTimeNsec uint32
	LPDUTimeSec  uint32
	LPDUTimeNsec uint32
	RTTRespDelay uint16 // ms
	CheckSum     uint16
}

// LoadPDUHeaderSize is the wire size of the fixed Load PDU header,
// excluding payload bytes.
const LoadPDUHeaderSize = 2 + 1 + 1 + 4 + 2 + 2 + 4 + 4 + 4 + 4 + 2 + 2

func (p *LoadPDU) Marshal(buf []byte) (int, error) {
	total := LoadPDUHeaderSize + int(p.UDPPayload)
	if len(buf) < total {
		return 0, fmt.Errorf("marshal load pdu: need %d bytes, got %d: %w", total, len(buf), ErrBufTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(PDULoad))
	buf[2] = uint8(p.TestAction)
	buf[3] = p.RxStopped
	binary.BigEndian.PutUint32(buf[4:8], p.LPDUSeqNo)
	binary.BigEndian.PutUint16(buf[8:10], p.UDPPayload)
	binary.BigEndian.PutUint16(buf[10:12], p.SPDUSeqErr)
	binary.BigEndian.PutUint32(buf[12:16], p.SPDUTimeSec)
	binary.BigEndian.PutUint32(buf[16:20], p.SPDUTimeNsec)
	binary.BigEndian.PutUint32(buf[20:24], p.LPDUTimeSec)
	binary.BigEndian.PutUint32(buf[24:28], p.LPDUTimeNsec)
	binary.BigEndian.PutUint16(buf[28:30], p.RTTRespDelay)
	binary.BigEndian.PutUint16(buf[30:32], p.CheckSum)
	for i := LoadPDUHeaderSize; i < total; i++ {
		buf[i] = 0
	}
	return total, nil
}

func UnmarshalLoadPDU(buf []byte) (*LoadPDU, error) {
	if len(buf) < LoadPDUHeaderSize {
		return nil, fmt.Errorf("unmarshal load pdu: need %d bytes, got %d: %w", LoadPDUHeaderSize, len(buf), ErrPacketTooShort)
	}
	p := &LoadPDU{
		TestAction:   TestAction(buf[2]),
		RxStopped:    buf[3],
		LPDUSeqNo:    binary.BigEndian.Uint32(buf[4:8]),
		UDPPayload:   binary.BigEndian.Uint16(buf[8:10]),
		SPDUSeqErr:   binary.BigEndian.Uint16(buf[10:12]),
		SPDUTimeSec:  binary.BigEndian.Uint32(buf[12:16]),
		SPDUTimeNsec: binary.BigEndian.Uint32(buf[16:20]),
		LPDUTimeSec:  binary.BigEndian.Uint32(buf[20:24]),
		LPDUTimeNsec: binary.BigEndian.Uint32(buf[24:28]),
		RTTRespDelay: binary.BigEndian.Uint16(buf[28:30]),
		CheckSum:     binary.BigEndian.Uint16(buf[30:32]),
	}
	return p, nil
}

// -------------------------------------------------------------------------
// StatusPDU — STATUS (0xFEED)
// -------------------------------------------------------------------------

// StatusPDU is the periodic reverse-direction feedback PDU: the current
// sub-interval accumulator, prior saved summary, running totals, RTT
// samples, and the next sending-rate row the sender should adopt.
type StatusPDU struct {
	TestAction    TestAction
	RxStopped     uint8
	SPDUSeqNo     uint32
	SendingRate   SendingRate
	SubIntSeqNo   uint32
	SISSaved      SubIntervalStats
	SeqErrLoss    uint32
	SeqErrOoo     uint32
	SeqErrDup     uint32
	ClockDeltaMin uint32
	DelayVarMin   uint32
	DelayVarMax   uint32
	DelayVarSum   uint32
	DelayVarCnt   uint32
	RTTMinimum    uint32
	RTTVarSample  uint32
	DelayMinUpd   uint8
	TiDeltaTime   uint32
	TiRxDatagrams uint32
	TiRxBytes     uint32
	SPDUTimeSec   uint32
	SPDUTimeNsec  uint32
	Auth          authTail
}

const statusPDUFixedSize = 2 + 1 + 1 + 4 + sendingRateSize + 4 + subIntervalStatsSize +
	4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 1 + 4 + 4 + 4 + 4 + 4

// StatusPDUSize is the total wire size of a StatusPDU.
const StatusPDUSize = statusPDUFixedSize + authTailSize

func (p *StatusPDU) Marshal(buf []byte) (int, error) {
	if len(buf) < StatusPDUSize {
		return 0, fmt.Errorf("marshal status pdu: need %d bytes, got %d: %w", StatusPDUSize, len(buf), ErrBufTooSmall)
	}
	off := 0
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(PDUStatus))
	off += 2
	buf[off] = uint8(p.TestAction)
	off++
	buf[off] = p.RxStopped
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], p.SPDUSeqNo)
	off += 4
	p.SendingRate.marshal(buf[off : off+sendingRateSize])
	off += sendingRateSize
	binary.BigEndian.PutUint32(buf[off:off+4], p.SubIntSeqNo)
	off += 4
	p.SISSaved.marshal(buf[off : off+subIntervalStatsSize])
	off += subIntervalStatsSize
	for _, v := range []uint32{
		p.SeqErrLoss, p.SeqErrOoo, p.SeqErrDup, p.ClockDeltaMin,
		p.DelayVarMin, p.DelayVarMax, p.DelayVarSum, p.DelayVarCnt,
		p.RTTMinimum, p.RTTVarSample,
	} {
		binary.BigEndian.PutUint32(buf[off:off+4], v)
		off += 4
	}
	buf[off] = p.DelayMinUpd
	off++
	for _, v := range []uint32{p.TiDeltaTime, p.TiRxDatagrams, p.TiRxBytes, p.SPDUTimeSec, p.SPDUTimeNsec} {
		binary.BigEndian.PutUint32(buf[off:off+4], v)
		off += 4
	}
	p.Auth.marshal(buf[off : off+authTailSize])
	return StatusPDUSize, nil
}

func UnmarshalStatusPDU(buf []byte) (*StatusPDU, error) {
	if len(buf) < StatusPDUSize {
		return nil, fmt.Errorf("unmarshal status pdu: need %d bytes, got %d: %w", StatusPDUSize, len(buf), ErrPacketTooShort)
	}
	p := &StatusPDU{}
	off := 2
	p.TestAction = TestAction(buf[off])
	off++
	p.RxStopped = buf[off]
	off++
	p.SPDUSeqNo = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	p.SendingRate.unmarshal(buf[off : off+sendingRateSize])
	off += sendingRateSize
	p.SubIntSeqNo = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	p.SISSaved.unmarshal(buf[off : off+subIntervalStatsSize])
	off += subIntervalStatsSize
	vals := make([]*uint32, 0, 10)
	vals = append(vals, &p.SeqErrLoss, &p.SeqErrOoo, &p.SeqErrDup, &p.ClockDeltaMin,
		&p.DelayVarMin, &p.DelayVarMax, &p.DelayVarSum, &p.DelayVarCnt,
		&p.RTTMinimum, &p.RTTVarSample)
	for _, v := range vals {
		*v = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	p.DelayMinUpd = buf[off]
	off++
	for _, v := range []*uint32{&p.TiDeltaTime, &p.TiRxDatagrams, &p.TiRxBytes, &p.SPDUTimeSec, &p.SPDUTimeNsec} {
		*v = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	p.Auth.unmarshal(buf[off : off+authTailSize])
	return p, nil
}

// -------------------------------------------------------------------------
// Checksum — 16-bit ones-complement
// -------------------------------------------------------------------------

// Checksum16 computes the 16-bit ones-complement checksum over buf, the
// way the Wire Codec covers an entire PDU with the checksum (and, for
// authenticated PDUs, the digest) zeroed during computation.
func Checksum16(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PeekPDUID reads the leading 16-bit PDU tag without fully decoding the
// packet, for dispatch-by-tag decoding (no pointer aliasing between PDU
// families).
func PeekPDUID(buf []byte) (PDUID, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("peek pdu id: %w", ErrPacketTooShort)
	}
	return PDUID(binary.BigEndian.Uint16(buf[0:2])), nil
}
