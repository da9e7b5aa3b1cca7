package udpst_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/dantte-lp/udpst/internal/udpst"
)

func TestManagerNewConnFindsFirstFreeSlot(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(4)
	peer1 := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: 9000}
	peer2 := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 9000}

	i, err := m.NewConn(udpst.ConnTypeData, peer1)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if i != 0 {
		t.Errorf("index = %d, want 0", i)
	}

	if err := m.InitConn(i); err != nil {
		t.Fatalf("InitConn: %v", err)
	}

	j, err := m.NewConn(udpst.ConnTypeData, peer2)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if j != 0 {
		t.Errorf("index = %d, want reused slot 0", j)
	}
}

func TestManagerReserveAndReleaseBandwidth(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(4)

	if ok := m.ReserveBandwidth(true, 60, 100); !ok {
		t.Fatal("ReserveBandwidth(upstream, 60, cap=100) = false, want true")
	}
	if ok := m.ReserveBandwidth(true, 60, 100); ok {
		t.Fatal("ReserveBandwidth(upstream, 60, cap=100) = true on second call, want false (60+60 > 100)")
	}
	// The downstream total is independent of the upstream one.
	if ok := m.ReserveBandwidth(false, 60, 100); !ok {
		t.Fatal("ReserveBandwidth(downstream, 60, cap=100) = false, want true (independent direction)")
	}

	m.ReleaseBandwidth(true, 60)
	if ok := m.ReserveBandwidth(true, 60, 100); !ok {
		t.Fatal("ReserveBandwidth(upstream, 60, cap=100) after release = false, want true")
	}

	// Releasing more than is outstanding clamps to zero rather than
	// underflowing the running total.
	m.ReleaseBandwidth(false, 1000)
	if ok := m.ReserveBandwidth(false, 100, 100); !ok {
		t.Fatal("ReserveBandwidth(downstream, 100, cap=100) after over-release = false, want true")
	}
}

func TestManagerTableFull(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(2)
	for i := range 2 {
		peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: uint16(9000 + i)}
		if _, err := m.NewConn(udpst.ConnTypeData, peer); err != nil {
			t.Fatalf("NewConn %d: %v", i, err)
		}
	}

	_, err := m.NewConn(udpst.ConnTypeData, udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.9"), Port: 1})
	if !errors.Is(err, udpst.ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
}

func TestManagerDuplicatePeerRejected(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(4)
	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: 9000}

	if _, err := m.NewConn(udpst.ConnTypeData, peer); err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if _, err := m.NewConn(udpst.ConnTypeData, peer); !errors.Is(err, udpst.ErrDuplicatePeer) {
		t.Fatalf("err = %v, want ErrDuplicatePeer", err)
	}
}

func TestManagerLookupDemux(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(4)
	peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: 9000}
	idx, err := m.NewConn(udpst.ConnTypeData, peer)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}

	c, err := m.Lookup(peer)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.Index != idx {
		t.Errorf("Lookup returned index %d, want %d", c.Index, idx)
	}

	if _, err := m.Lookup(udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 1}); !errors.Is(err, udpst.ErrDemuxNoMatch) {
		t.Fatalf("err = %v, want ErrDemuxNoMatch", err)
	}
}

func TestManagerMaxConnIndexShrinksOnTeardown(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(4)
	var last int
	for i := range 3 {
		peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: uint16(9000 + i)}
		idx, err := m.NewConn(udpst.ConnTypeData, peer)
		if err != nil {
			t.Fatalf("NewConn %d: %v", i, err)
		}
		last = idx
	}
	if m.MaxConnIndex() != last {
		t.Fatalf("MaxConnIndex = %d, want %d", m.MaxConnIndex(), last)
	}

	if err := m.InitConn(last); err != nil {
		t.Fatalf("InitConn: %v", err)
	}
	if m.MaxConnIndex() != last-1 {
		t.Fatalf("MaxConnIndex after teardown = %d, want %d", m.MaxConnIndex(), last-1)
	}
}

func TestManagerLiveOrderedByIndex(t *testing.T) {
	t.Parallel()

	m := udpst.NewManager(4)
	for i := range 3 {
		peer := udpst.PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: uint16(9000 + i)}
		if _, err := m.NewConn(udpst.ConnTypeData, peer); err != nil {
			t.Fatalf("NewConn %d: %v", i, err)
		}
	}

	live := m.Live()
	if len(live) != 3 {
		t.Fatalf("len(Live()) = %d, want 3", len(live))
	}
	for i, c := range live {
		if c.Index != i {
			t.Errorf("Live()[%d].Index = %d, want %d", i, c.Index, i)
		}
	}
}
