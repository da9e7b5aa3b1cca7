package udpst_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/udpst/internal/udpst"
)

// loopbackTransport drives a ControlTransport directly against a Server
// instance, in lieu of a real UDP control socket — exercising the full
// client/server handshake without any network I/O.
type loopbackTransport struct {
	srv  *udpst.Server
	mgr  *udpst.Manager
	peer udpst.PeerKey
	now  time.Time
}

func (lt *loopbackTransport) RoundTrip(ctx context.Context, _ netip.AddrPort, request []byte) ([]byte, error) {
	if setupReq, err := udpst.UnmarshalSetupPDU(request); err == nil && setupReq.CmdRequest == udpst.CHSRReqSetup {
		_, resp, err := lt.srv.HandleSetup(ctx, request, setupReq, lt.peer, lt.now)
		return resp, err
	}

	taReq, err := udpst.UnmarshalTestActPDU(request)
	if err != nil {
		return nil, err
	}
	conn, lookupErr := lt.mgr.Lookup(lt.peer)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return lt.srv.HandleTestAct(ctx, request, taReq, conn, lt.now)
}

func TestClientRunnerStartSessionFullHandshake(t *testing.T) {
	t.Parallel()

	mgr := udpst.NewManager(8)
	srvMgr := udpst.NewManager(8)
	now := time.Now()

	policy := udpst.ServerPolicy{
		MaxBandwidthMbps: 1000,
		LowThresh:        10, UpperThresh: 30,
		TrialInt: 100 * time.Millisecond, SubIntPeriod: time.Second,
		TestIntTime: 10 * time.Second, WatchdogExpiry: 500 * time.Millisecond,
		RateAdjAlgo: udpst.RateAdjB,
	}
	srv := udpst.NewServer(srvMgr, policy, &fakeOpener{port: 34200}, &fakeSpawner{}, nil, nil, testLogger())

	client := udpst.NewClient(mgr, udpst.ClientPolicy{
		MaxBandwidthMbps: 500,
		StartIndexConf:   udpst.CHTASrIdxDef,
		TrialInt:         100 * time.Millisecond, SubIntPeriod: time.Second,
		TestIntTime: 10 * time.Second, WatchdogExpiry: 500 * time.Millisecond,
	}, &fakeOpener{port: 34100}, &fakeSpawner{}, nil, nil, testLogger())

	serverAddr := netip.MustParseAddr("198.51.100.9")
	transport := &loopbackTransport{
		srv:  srv,
		mgr:  srvMgr,
		peer: udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 34100},
		now:  now,
	}

	runner := udpst.NewClientRunner(client, transport)

	conn, err := runner.StartSession(context.Background(), udpst.StartRequest{
		Server:    netip.AddrPortFrom(serverAddr, 25000),
		TestType:  udpst.TestTypeDownstream,
		StartedAt: now,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if conn == nil {
		t.Fatal("conn = nil, want a measuring connection")
	}

	if got := len(runner.Sessions()); got != 1 {
		t.Errorf("len(Sessions()) = %d, want 1", got)
	}

	if ok := runner.StopSession(conn.Index); !ok {
		t.Error("StopSession() = false, want true for spawned session")
	}
	if ok := runner.StopSession(conn.Index); ok {
		t.Error("StopSession() = true on second call, want false (already stopped)")
	}
}
