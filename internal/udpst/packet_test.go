package udpst_test

import (
	"bytes"
	"testing"

	"github.com/dantte-lp/udpst/internal/udpst"
)

func TestSetupPDURoundTrip(t *testing.T) {
	t.Parallel()

	in := &udpst.SetupPDU{
		ProtocolVer:    udpst.ProtocolVer,
		MCIndex:        1,
		MCCount:        2,
		MCIdent:        0x1234,
		CmdRequest:     udpst.CHSRReqSetup,
		CmdResponse:    udpst.CHSRAckOK,
		MaxBandwidth:   1000,
		TestPort:       45000,
		ModifierBitmap: udpst.CHSRJumboStatus,
	}
	buf := make([]byte, udpst.SetupPDUSize)
	n, err := in.Marshal(buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if n != udpst.SetupPDUSize {
		t.Fatalf("Marshal wrote %d bytes, want %d", n, udpst.SetupPDUSize)
	}

	id, err := udpst.PeekPDUID(buf)
	if err != nil {
		t.Fatalf("PeekPDUID: %v", err)
	}
	if id != udpst.PDUSetup {
		t.Fatalf("PeekPDUID = %v, want PDUSetup", id)
	}

	out, err := udpst.UnmarshalSetupPDU(buf)
	if err != nil {
		t.Fatalf("UnmarshalSetupPDU: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSetupPDUTooShort(t *testing.T) {
	t.Parallel()

	_, err := udpst.UnmarshalSetupPDU(make([]byte, 4))
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestNullReqPDURoundTrip(t *testing.T) {
	t.Parallel()

	in := &udpst.NullReqPDU{
		ProtocolVer: udpst.ProtocolVer,
		CmdRequest:  1,
		CmdResponse: 1,
	}
	in.Auth.AuthMode = udpst.AuthModeHMAC
	in.Auth.AuthUnixTime = 1700000000
	in.Auth.KeyID = 7

	buf := make([]byte, udpst.NullReqPDUSize)
	if _, err := in.Marshal(buf); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := udpst.UnmarshalNullReqPDU(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Auth.AuthMode != udpst.AuthModeHMAC || out.Auth.KeyID != 7 {
		t.Errorf("auth tail not preserved across round trip: %+v", out.Auth)
	}
}

func TestTestActPDURoundTripCurrentVersion(t *testing.T) {
	t.Parallel()

	in := &udpst.TestActPDU{
		ProtocolVer:    udpst.ProtocolVer,
		CmdRequest:     udpst.CHTAReqActivateDownstream,
		CmdResponse:    udpst.CHTAAckOK,
		LowThresh:      10,
		UpperThresh:    30,
		TrialInt:       100,
		TestIntTime:    10,
		RateAdjAlgo:    udpst.RateAdjB,
		ModifierBitmap: udpst.CHTASrIdxIsStart,
	}
	in.SendingRate.TxInterval1 = 10000
	in.SendingRate.UDPPayload1 = 1024
	in.SendingRate.BurstSize1 = 1

	buf := make([]byte, in.Size())
	n, err := in.Marshal(buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if n != udpst.TestActPDUSize {
		t.Fatalf("Marshal wrote %d, want %d", n, udpst.TestActPDUSize)
	}

	out, err := udpst.UnmarshalTestActPDU(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.CmdRequest.TestType() != udpst.TestTypeDownstream {
		t.Errorf("TestType = %v, want Downstream", out.CmdRequest.TestType())
	}
	if out.SendingRate.BurstSize1 != 1 {
		t.Errorf("BurstSize1 = %d, want 1", out.SendingRate.BurstSize1)
	}
}

func TestTestActPDULegacyVersionHasNoAuthTail(t *testing.T) {
	t.Parallel()

	in := &udpst.TestActPDU{
		ProtocolVer:    udpst.ExtAuthPVer - 1,
		CmdRequest:     udpst.CHTAReqActivateUpstream,
		CmdResponse:    udpst.CHTAAckOK,
		LegacyCheckSum: 0xABCD,
	}
	buf := make([]byte, in.Size())
	if _, err := in.Marshal(buf); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := udpst.UnmarshalTestActPDU(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.LegacyCheckSum != 0xABCD {
		t.Errorf("LegacyCheckSum = %#x, want 0xABCD", out.LegacyCheckSum)
	}
	if out.CmdRequest.TestType() != udpst.TestTypeUpstream {
		t.Errorf("TestType = %v, want Upstream", out.CmdRequest.TestType())
	}
}

func TestLoadPDURoundTripWithPayload(t *testing.T) {
	t.Parallel()

	in := &udpst.LoadPDU{
		TestAction:   udpst.TestActTest,
		LPDUSeqNo:    42,
		UDPPayload:   64,
		RTTRespDelay: 5,
	}
	buf := make([]byte, udpst.LoadPDUHeaderSize+64)
	if _, err := in.Marshal(buf); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := udpst.UnmarshalLoadPDU(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.LPDUSeqNo != 42 || out.UDPPayload != 64 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestStatusPDURoundTrip(t *testing.T) {
	t.Parallel()

	in := &udpst.StatusPDU{
		TestAction:  udpst.TestActTest,
		SPDUSeqNo:   7,
		SubIntSeqNo: 3,
	}
	in.SISSaved.RxDatagrams = 100
	in.SISSaved.RxBytes = 102400
	in.Auth.AuthMode = udpst.AuthModeHMAC
	in.Auth.AuthUnixTime = 1700000001

	buf := make([]byte, udpst.StatusPDUSize)
	if _, err := in.Marshal(buf); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := udpst.UnmarshalStatusPDU(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.SISSaved.RxDatagrams != 100 || out.SISSaved.RxBytes != 102400 {
		t.Errorf("sub-interval stats round trip mismatch: %+v", out.SISSaved)
	}
	if out.Auth.AuthUnixTime != 1700000001 {
		t.Errorf("auth tail round trip mismatch: %+v", out.Auth)
	}
}

func TestChecksum16Deterministic(t *testing.T) {
	t.Parallel()

	buf := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 11)
	a := udpst.Checksum16(buf)
	b := udpst.Checksum16(bytes.Clone(buf))
	if a != b {
		t.Errorf("Checksum16 not deterministic: %#x vs %#x", a, b)
	}
}

func TestRandomizedSizeRespectsMask(t *testing.T) {
	t.Parallel()

	const fixed = 500
	if got := udpst.RandomizedSize(fixed, func() float64 { return 0.9 }); got != fixed {
		t.Errorf("fixed field changed: got %d, want %d", got, fixed)
	}

	masked := udpst.SrateRandBit | 100
	got := udpst.RandomizedSize(masked, func() float64 { return 0 })
	if got != 1 {
		t.Errorf("RandomizedSize at rnd=0 = %d, want 1", got)
	}
	got = udpst.RandomizedSize(masked, func() float64 { return 0.999 })
	if got > 100 || got < 1 {
		t.Errorf("RandomizedSize out of range [1,100]: got %d", got)
	}
}
