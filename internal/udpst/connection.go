package udpst

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// PeerKey identifies a connection by its remote UDP endpoint, the
// demultiplexing key used before a test connection's own discriminating
// (mcIndex, mcIdent) pair is known.
type PeerKey struct {
	Addr netip.Addr
	Port uint16
}

// Connection is one slot of the connection table: either the well-known
// control-plane socket (slot 0) or a per-test data-plane connection
// allocated by NewConn. Fields read from the hot send/receive path are
// atomic so the event loop and the boundary API can observe state
// without a lock.
type Connection struct {
	// Index is this connection's fixed slot index.
	Index int

	// Type distinguishes the control-plane rendezvous socket from a
	// data-plane test connection.
	Type ConnType

	state atomic.Uint32 // ConnState

	// MCIndex/MCCount/MCIdent identify this connection's position within
	// a multi-connection group.
	MCIndex uint8
	MCCount uint8
	MCIdent uint16

	// TestType records which side carries load traffic.
	TestType TestType

	// ProtocolVer is the negotiated protocol version for this connection.
	ProtocolVer uint16

	// AuthMode is the negotiated authentication mode.
	AuthMode AuthMode

	// KeyID is the key-file entry ID used for this connection's auth tail.
	KeyID uint8

	// KDF holds the derived (clientKey, serverKey) pair, populated on
	// first successful key derivation and reused thereafter.
	KDF KDFKeyPair

	// RemoteAddr/RemotePort is the peer UDP endpoint.
	RemoteAddr netip.Addr
	RemotePort uint16

	// LocalAddr/LocalPort is this connection's bound endpoint.
	LocalAddr netip.Addr
	LocalPort uint16

	testAction atomic.Uint32 // TestAction

	// EndTime is the deadline after which a session's tick marks Stop1.
	// Session.Stop does not set it: a local stop tears the connection
	// down at once, without a Stop1 grace period.
	EndTime time.Time

	// CreatedAt records allocation time for diagnostics.
	CreatedAt time.Time

	// RateAdjAlgo and SendingRateIndex drive the Rate Controller (C6).
	RateAdjAlgo      RateAdjAlgo
	SendingRateIndex atomic.Int32

	// Watchdog tracks the most recent time any traffic was observed on
	// this connection, for the no-traffic timeout.
	Watchdog atomic.Int64 // unix nanoseconds

	// ExportPath, when non-empty, is the open CSV export file path for
	// this connection's per-datagram log.
	ExportPath string

	// AllocatedMbps is the bandwidth this connection reserved against the
	// server's per-direction running total at Setup time. Zero means no
	// reservation is outstanding.
	AllocatedMbps uint16

	// BandwidthUpstream records which direction AllocatedMbps was charged
	// against, so InitConn releases it from the matching total.
	BandwidthUpstream bool
}

// ConnType distinguishes control-plane and data-plane connection slots.
type ConnType uint8

const (
	// ConnTypeControl is the single well-known rendezvous socket.
	ConnTypeControl ConnType = iota
	// ConnTypeData is a per-test data-plane connection.
	ConnTypeData
)

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// SetState updates the connection's lifecycle state.
func (c *Connection) SetState(s ConnState) {
	c.state.Store(uint32(s))
}

// TestAction returns the connection's current test-action state.
func (c *Connection) TestAction() TestAction {
	return TestAction(c.testAction.Load())
}

// SetTestAction updates the connection's test-action state.
func (c *Connection) SetTestAction(a TestAction) {
	c.testAction.Store(uint32(a))
}

// Touch records that traffic was just observed, resetting the no-traffic
// watchdog.
func (c *Connection) Touch(now time.Time) {
	c.Watchdog.Store(now.UnixNano())
}

// Idle reports whether no traffic has been observed for longer than d.
func (c *Connection) Idle(now time.Time, d time.Duration) bool {
	last := c.Watchdog.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) > d
}

// reset zeroes a connection slot back to its free state, the Go
// equivalent of init_conn's "fully zero the struct, then reseed fd=-1".
func (c *Connection) reset(index int) {
	*c = Connection{Index: index}
	c.SetState(ConnFree)
	c.SetTestAction(TestActIdle)
}
