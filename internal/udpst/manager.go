package udpst

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

var (
	// ErrTableFull indicates every slot in the connection table is in use.
	ErrTableFull = errors.New("connection table full")

	// ErrConnNotFound indicates no connection exists for the given index.
	ErrConnNotFound = errors.New("connection not found")

	// ErrDuplicatePeer indicates a data-plane connection already exists
	// for the given peer key.
	ErrDuplicatePeer = errors.New("duplicate connection for peer")

	// ErrDemuxNoMatch indicates no connection matched an incoming packet
	// during peer-key demultiplexing.
	ErrDemuxNoMatch = errors.New("no matching connection for incoming packet")
)

// Manager is the Connection Table (C3): a pre-sized vector of connection
// slots plus a peer-keyed index for demultiplexing incoming data-plane
// traffic to its owning connection before mcIndex/mcIdent are known.
type Manager struct {
	mu      sync.RWMutex
	slots   []*Connection
	byPeer  map[PeerKey]*Connection
	maxConn int
	// highWater is the highest index that has ever held a live
	// connection since the last shrink, mirroring maxConnIndex.
	highWater int

	// usBandwidthMbps/dsBandwidthMbps are the running per-direction
	// allocated-bandwidth totals (spec §3 Repository data model),
	// accumulated by ReserveBandwidth and released by ReleaseBandwidth.
	usBandwidthMbps uint32
	dsBandwidthMbps uint32
}

// NewManager creates a Manager with maxConnections pre-sized slots.
func NewManager(maxConnections int) *Manager {
	m := &Manager{
		slots:   make([]*Connection, maxConnections),
		byPeer:  make(map[PeerKey]*Connection),
		maxConn: maxConnections,
	}
	for i := range m.slots {
		c := &Connection{}
		c.reset(i)
		m.slots[i] = c
	}
	return m
}

// NewConn finds the first free slot, assigns its type and peer key, and
// marks it Created. It returns the slot index. Name resolution, socket
// binding and option configuration are performed by the caller (netio
// layer) before the connection transitions to ConnData.
func (m *Manager) NewConn(connType ConnType, peer PeerKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.slots {
		if c.State() != ConnFree {
			continue
		}
		if connType == ConnTypeData {
			if _, exists := m.byPeer[peer]; exists {
				return 0, fmt.Errorf("new conn: %w", ErrDuplicatePeer)
			}
		}
		c.Type = connType
		c.RemoteAddr = peer.Addr
		c.RemotePort = peer.Port
		c.CreatedAt = time.Now()
		c.SetState(ConnCreated)
		if connType == ConnTypeData {
			m.byPeer[peer] = c
		}
		if i > m.highWater {
			m.highWater = i
		}
		return i, nil
	}
	return 0, fmt.Errorf("new conn: %w", ErrTableFull)
}

// Get returns the connection at index i.
func (m *Manager) Get(i int) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.slots) {
		return nil, fmt.Errorf("get conn %d: %w", i, ErrConnNotFound)
	}
	return m.slots[i], nil
}

// Lookup demultiplexes an incoming packet by its source peer key.
func (m *Manager) Lookup(peer PeerKey) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byPeer[peer]
	if !ok {
		return nil, fmt.Errorf("lookup %v: %w", peer, ErrDemuxNoMatch)
	}
	return c, nil
}

// InitConn is the universal teardown: it removes the connection from the
// peer index, zeroes the slot, and reseeds it to the free state. When
// the cleaned-up slot was the high-water mark, the mark is scanned back
// down to the next live (or free-floor) slot.
func (m *Manager) InitConn(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) {
		return fmt.Errorf("init conn %d: %w", i, ErrConnNotFound)
	}
	c := m.slots[i]
	peer := PeerKey{Addr: c.RemoteAddr, Port: c.RemotePort}
	delete(m.byPeer, peer)
	if c.AllocatedMbps > 0 {
		m.releaseBandwidthLocked(c.BandwidthUpstream, c.AllocatedMbps)
	}
	c.reset(i)

	if i == m.highWater {
		for m.highWater > 0 && m.slots[m.highWater].State() == ConnFree {
			m.highWater--
		}
	}
	return nil
}

// ReserveBandwidth charges requested Mbps against the running per-direction
// total and reports whether it fits under capMbps. On success the caller
// owns the reservation and must record it on the connection's
// AllocatedMbps/BandwidthUpstream fields so InitConn can release it; on
// failure no state changes.
func (m *Manager) ReserveBandwidth(upstream bool, requested, capMbps uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := &m.dsBandwidthMbps
	if upstream {
		cur = &m.usBandwidthMbps
	}
	if uint32(*cur)+uint32(requested) > uint32(capMbps) {
		return false
	}
	*cur += uint32(requested)
	return true
}

// ReleaseBandwidth returns a prior reservation to the running per-direction
// total. Used directly only when no Connection slot exists to carry the
// reservation (e.g. the table-full path); every other release happens via
// InitConn so a reservation is never dropped twice.
func (m *Manager) ReleaseBandwidth(upstream bool, amount uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseBandwidthLocked(upstream, amount)
}

// releaseBandwidthLocked is ReleaseBandwidth's body, callable while m.mu is
// already held (InitConn's teardown path).
func (m *Manager) releaseBandwidthLocked(upstream bool, amount uint16) {
	cur := &m.dsBandwidthMbps
	if upstream {
		cur = &m.usBandwidthMbps
	}
	if uint32(amount) > *cur {
		*cur = 0
		return
	}
	*cur -= uint32(amount)
}

// MaxConnIndex returns the current high-water slot index.
func (m *Manager) MaxConnIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highWater
}

// Live returns every connection currently not in ConnFree state, ordered
// by slot index — the event loop's per-tick scan order.
func (m *Manager) Live() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, m.highWater+1)
	for i := 0; i <= m.highWater && i < len(m.slots); i++ {
		if m.slots[i].State() != ConnFree {
			out = append(out, m.slots[i])
		}
	}
	return out
}
