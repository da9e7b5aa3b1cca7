package udpst_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/udpst/internal/udpst"
)

func newTestClient(t *testing.T, opener *fakeOpener, spawner *fakeSpawner, policy udpst.ClientPolicy) *udpst.Client {
	t.Helper()
	mgr := udpst.NewManager(8)
	if policy.TrialInt == 0 {
		policy.TrialInt = 100 * time.Millisecond
	}
	if policy.SubIntPeriod == 0 {
		policy.SubIntPeriod = time.Second
	}
	if policy.TestIntTime == 0 {
		policy.TestIntTime = 10 * time.Second
	}
	if policy.WatchdogExpiry == 0 {
		policy.WatchdogExpiry = 500 * time.Millisecond
	}
	return udpst.NewClient(mgr, policy, opener, spawner, nil, nil, testLogger())
}

func TestClientBuildSetupRequestProducesWellFormedCHSR(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeOpener{port: 1}, &fakeSpawner{}, udpst.ClientPolicy{MaxBandwidthMbps: 500})

	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 9001}
	conn, wire, err := client.BuildSetupRequest(peer, udpst.TestTypeDownstream, time.Now())
	if err != nil {
		t.Fatalf("BuildSetupRequest: %v", err)
	}
	if conn == nil {
		t.Fatal("conn = nil, want allocated connection")
	}

	req, err := udpst.UnmarshalSetupPDU(wire)
	if err != nil {
		t.Fatalf("UnmarshalSetupPDU: %v", err)
	}
	if req.CmdRequest != udpst.CHSRReqSetup {
		t.Errorf("CmdRequest = %v, want CHSRReqSetup", req.CmdRequest)
	}
	if req.MaxBandwidth != 500 {
		t.Errorf("MaxBandwidth = %d, want 500", req.MaxBandwidth)
	}
	if req.ModifierBitmap&udpst.CHSRTraditionalMTU == 0 {
		t.Error("ModifierBitmap missing CHSRTraditionalMTU for non-jumbo policy")
	}
}

func TestClientFullHandshakeSpawnsSession(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{port: 34100}
	spawner := &fakeSpawner{}
	client := newTestClient(t, opener, spawner, udpst.ClientPolicy{
		MaxBandwidthMbps: 500,
		StartIndexConf:   udpst.CHTASrIdxDef,
	})

	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 9001}
	now := time.Now()
	conn, _, err := client.BuildSetupRequest(peer, udpst.TestTypeDownstream, now)
	if err != nil {
		t.Fatalf("BuildSetupRequest: %v", err)
	}

	setupResp := &udpst.SetupPDU{
		ProtocolVer: udpst.ProtocolVer,
		CmdResponse: udpst.CHSRAckOK,
		TestPort:    34200,
	}
	taWire, err := client.HandleSetupResponse(context.Background(), setupResp, conn, udpst.TestTypeDownstream, now)
	if err != nil {
		t.Fatalf("HandleSetupResponse: %v", err)
	}
	if conn.RemotePort != 34200 {
		t.Errorf("RemotePort = %d, want 34200", conn.RemotePort)
	}

	taReq, err := udpst.UnmarshalTestActPDU(taWire)
	if err != nil {
		t.Fatalf("UnmarshalTestActPDU: %v", err)
	}
	if taReq.CmdRequest != udpst.CHTAReqActivateDownstream {
		t.Errorf("CmdRequest = %v, want CHTAReqActivateDownstream", taReq.CmdRequest)
	}

	taResp := &udpst.TestActPDU{
		ProtocolVer: udpst.ProtocolVer,
		CmdResponse: udpst.CHTAAckOK,
		SrIndexConf: udpst.CHTASrIdxDef,
	}
	if err := client.HandleTestActResponse(context.Background(), taResp, conn, udpst.TestTypeDownstream, now); err != nil {
		t.Fatalf("HandleTestActResponse: %v", err)
	}

	if len(spawner.spawned) != 1 {
		t.Fatalf("len(spawned) = %d, want 1", len(spawner.spawned))
	}
	if ok := client.Stop(conn.Index); !ok {
		t.Error("Stop() = false, want true for spawned session")
	}
}

func TestClientHandleSetupResponseRejectionFreesSlot(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeOpener{port: 1}, &fakeSpawner{}, udpst.ClientPolicy{})

	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 9001}
	conn, _, err := client.BuildSetupRequest(peer, udpst.TestTypeDownstream, time.Now())
	if err != nil {
		t.Fatalf("BuildSetupRequest: %v", err)
	}

	resp := &udpst.SetupPDU{CmdResponse: udpst.CHSRCapExc}
	_, err = client.HandleSetupResponse(context.Background(), resp, conn, udpst.TestTypeDownstream, time.Now())
	if err == nil {
		t.Fatal("HandleSetupResponse: want error on non-AckOK response")
	}
	if conn.State() != udpst.ConnFree {
		t.Errorf("State() = %v, want Free after rejected setup", conn.State())
	}
}

// TestClientHandleSetupResponseDerivesKDFFromSignedTimestamp covers the
// KDF derivation bug: the client must derive its connection's KDF pair
// from the authUnixTime it itself signed into the original CHSR, not
// from the clock at response-receipt time, or the server (which derives
// from that same signed timestamp) lands on different keys.
func TestClientHandleSetupResponseDerivesKDFFromSignedTimestamp(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeOpener{port: 1}, &fakeSpawner{}, udpst.ClientPolicy{
		AuthMode: udpst.AuthModeHMAC,
		AuthKey:  []byte("sharedsecret"),
	})

	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 9001}
	signedAt := time.Unix(1_700_000_000, 0)
	conn, wire, err := client.BuildSetupRequest(peer, udpst.TestTypeDownstream, signedAt)
	if err != nil {
		t.Fatalf("BuildSetupRequest: %v", err)
	}

	req, err := udpst.UnmarshalSetupPDU(wire)
	if err != nil {
		t.Fatalf("UnmarshalSetupPDU: %v", err)
	}
	if req.Auth.AuthUnixTime == 0 {
		t.Fatal("req.Auth.AuthUnixTime = 0, want the signed timestamp")
	}

	// The response arrives well after the request was signed; a
	// now-based derivation would diverge from the server's.
	receivedAt := signedAt.Add(7 * time.Second)
	setupResp := &udpst.SetupPDU{ProtocolVer: udpst.ProtocolVer, CmdResponse: udpst.CHSRAckOK, TestPort: 34200}
	if _, err := client.HandleSetupResponse(context.Background(), setupResp, conn, udpst.TestTypeDownstream, receivedAt); err != nil {
		t.Fatalf("HandleSetupResponse: %v", err)
	}

	want := udpst.DeriveKDFKeys("sharedsecret", req.Auth.AuthUnixTime)
	if conn.KDF.ClientKey != want.ClientKey || conn.KDF.ServerKey != want.ServerKey {
		t.Error("conn.KDF derived from the wrong authUnixTime, want derivation from the client's own signed CHSR timestamp")
	}
}

func TestClientHandleNullReqIsNoOp(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeOpener{port: 1}, &fakeSpawner{}, udpst.ClientPolicy{})

	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 9001}
	conn, _, err := client.BuildSetupRequest(peer, udpst.TestTypeDownstream, time.Now())
	if err != nil {
		t.Fatalf("BuildSetupRequest: %v", err)
	}

	before := conn.State()
	client.HandleNullReq(conn)
	if conn.State() != before {
		t.Errorf("State() = %v, want unchanged %v", conn.State(), before)
	}
}
