package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/udpst/internal/metrics"
	"github.com/dantte-lp/udpst/internal/netio"
	"github.com/dantte-lp/udpst/internal/udpst"
)

// socketRegistry tracks the per-connection data-plane sockets opened by a
// DataPlaneOpener, so the paired SessionSpawner can find the right one to
// run a receive loop over once the session starts. Mirrors the shape of
// the teacher's udpSenderFactory.senders map (internal/bfd/... via
// cmd/gobfd), narrowed to a single purpose.
type socketRegistry struct {
	mu    sync.Mutex
	conns map[int]*netio.UDPConn
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{conns: make(map[int]*netio.UDPConn)}
}

func (r *socketRegistry) track(connIndex int, conn *netio.UDPConn) {
	r.mu.Lock()
	r.conns[connIndex] = conn
	r.mu.Unlock()
}

func (r *socketRegistry) take(connIndex int) (*netio.UDPConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connIndex]
	if ok {
		delete(r.conns, connIndex)
	}
	return conn, ok
}

func (r *socketRegistry) closeAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int]*netio.UDPConn)
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// boundSender adapts a netio.UDPConn and a fixed destination into a
// udpst.PacketSender, the same narrow adapter shape as the teacher's
// netio.UDPSender wrapping a connected socket for one peer.
type boundSender struct {
	conn *netio.UDPConn
	dst  netip.AddrPort
}

func (b *boundSender) SendPacket(_ context.Context, buf []byte) error {
	if err := b.conn.WritePacket(buf, b.dst); err != nil {
		return fmt.Errorf("bound sender: %w", err)
	}
	return nil
}

// SetDSCP implements udpst.DSCPSetter, applying a Test-Activation's
// negotiated DSCP/ECN codepoint to the already-open socket.
func (b *boundSender) SetDSCP(dscpEcn uint8) error {
	if err := b.conn.SetDSCP(dscpEcn); err != nil {
		return fmt.Errorf("bound sender: set dscp: %w", err)
	}
	return nil
}

// sessionDemux routes inbound Load/Status datagrams to the one Session
// that owns this connection's private data-plane socket. Unlike the
// teacher's shared-listener discriminator table, a UDPST data-plane
// socket belongs to exactly one connection, so no peer lookup is needed.
type sessionDemux struct {
	sess      *udpst.Session
	localAddr netip.Addr
	collector *metrics.Collector
}

func (d *sessionDemux) DemuxWithWire(wire []byte, meta netio.PacketMeta) error {
	id, err := udpst.PeekPDUID(wire)
	if err != nil {
		return fmt.Errorf("session demux: %w", err)
	}

	switch id {
	case udpst.PDULoad:
		pdu, err := udpst.UnmarshalLoadPDU(wire)
		if err != nil {
			return fmt.Errorf("session demux: load: %w", err)
		}
		d.collector.IncPDUsReceived(meta.SrcAddr, d.localAddr, "load")
		d.sess.DeliverLoad(pdu)
	case udpst.PDUStatus:
		pdu, err := udpst.UnmarshalStatusPDU(wire)
		if err != nil {
			return fmt.Errorf("session demux: status: %w", err)
		}
		d.collector.IncPDUsReceived(meta.SrcAddr, d.localAddr, "status")
		d.sess.DeliverStatus(pdu, wire)
	default:
		d.collector.IncPDUsDropped(meta.SrcAddr, d.localAddr, "unknown")
		return fmt.Errorf("session demux: unexpected pdu id %#04x on data socket", uint16(id))
	}
	return nil
}

// runDataPlaneReceiver drives a Session's private data-plane socket until
// ctx is cancelled or the socket is closed by shutdown, logging a final
// warning rather than propagating -- the session's own Run loop, not this
// receive loop, owns reporting the connection's outcome.
func runDataPlaneReceiver(ctx context.Context, conn *netio.UDPConn, sess *udpst.Session, collector *metrics.Collector, logger *slog.Logger) {
	ln := netio.NewListenerFromConn(conn)
	demux := &sessionDemux{sess: sess, localAddr: conn.LocalAddr().Addr(), collector: collector}
	recv := netio.NewReceiver(demux, logger)
	if err := recv.Run(ctx, ln); err != nil {
		logger.Warn("data-plane receive loop stopped", slog.Int("conn_index", sess.ConnIndex()), slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Client role: one connected-looking control socket carries both the
// handshake round trips and, once Test-Activation completes, the
// connection's data-plane traffic -- avoiding a second NAT/firewall
// pinhole per run.
// -------------------------------------------------------------------------

// clientControlTransport implements udpst.ControlTransport over an
// unconnected UDP socket: send the request, then block for the reply
// (or ctx cancellation, which closes the socket to unblock the read).
type clientControlTransport struct {
	conn *netio.UDPConn
}

func (t *clientControlTransport) RoundTrip(ctx context.Context, server netip.AddrPort, request []byte) ([]byte, error) {
	if err := t.conn.WritePacket(request, server); err != nil {
		return nil, fmt.Errorf("control round trip: send: %w", err)
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		bufp, ok := udpst.PacketPool.Get().(*[]byte)
		if !ok {
			done <- result{err: fmt.Errorf("control round trip: packet pool returned unexpected type")}
			return
		}
		defer udpst.PacketPool.Put(bufp)

		n, meta, err := t.conn.ReadPacket(*bufp)
		if err != nil {
			done <- result{err: fmt.Errorf("control round trip: recv: %w", err)}
			return
		}
		if meta.SrcAddr != server.Addr() {
			done <- result{err: fmt.Errorf("control round trip: reply from unexpected source %s", meta.SrcAddr)}
			return
		}
		out := make([]byte, n)
		copy(out, (*bufp)[:n])
		done <- result{buf: out}
	}()

	select {
	case <-ctx.Done():
		_ = t.conn.Close()
		return nil, fmt.Errorf("control round trip: %w", ctx.Err())
	case r := <-done:
		return r.buf, r.err
	}
}

// clientDataPlane implements udpst.DataPlaneOpener and udpst.SessionSpawner
// for the client role, reusing the control socket as the data socket.
type clientDataPlane struct {
	conn      *netio.UDPConn
	collector *metrics.Collector
	logger    *slog.Logger

	mu    sync.Mutex
	peers map[int]netip.Addr
}

func (d *clientDataPlane) OpenDataSocket(_ context.Context, conn *udpst.Connection) (udpst.PacketSender, uint16, error) {
	d.mu.Lock()
	if d.peers == nil {
		d.peers = make(map[int]netip.Addr)
	}
	d.peers[conn.Index] = conn.RemoteAddr
	d.mu.Unlock()

	dst := netip.AddrPortFrom(conn.RemoteAddr, conn.RemotePort)
	return &boundSender{conn: d.conn, dst: dst}, d.conn.LocalAddr().Port(), nil
}

func (d *clientDataPlane) Spawn(ctx context.Context, sess *udpst.Session) {
	d.mu.Lock()
	peer := d.peers[sess.ConnIndex()]
	d.mu.Unlock()
	d.collector.RegisterSession(peer, d.conn.LocalAddr().Addr(), "client")

	go sess.Run(ctx)
	go runDataPlaneReceiver(ctx, d.conn, sess, d.collector, d.logger)
}

// -------------------------------------------------------------------------
// Server role: each accepted test connection gets its own ephemeral
// data-plane socket (its TestPort), isolating one connection's Load/
// Status traffic from every other connection sharing the well-known
// control-plane socket.
// -------------------------------------------------------------------------

// serverDataPlane implements udpst.DataPlaneOpener and udpst.SessionSpawner
// for the server role.
type serverDataPlane struct {
	bindAddr  netip.Addr
	opts      netio.SocketOptions
	registry  *socketRegistry
	collector *metrics.Collector
	logger    *slog.Logger

	mu    sync.Mutex
	peers map[int]netip.Addr
}

func (d *serverDataPlane) OpenDataSocket(ctx context.Context, conn *udpst.Connection) (udpst.PacketSender, uint16, error) {
	dataConn, err := netio.Listen(ctx, netip.AddrPortFrom(d.bindAddr, 0), d.opts)
	if err != nil {
		return nil, 0, fmt.Errorf("open data socket for conn %d: %w", conn.Index, err)
	}
	d.registry.track(conn.Index, dataConn)

	d.mu.Lock()
	if d.peers == nil {
		d.peers = make(map[int]netip.Addr)
	}
	d.peers[conn.Index] = conn.RemoteAddr
	d.mu.Unlock()

	dst := netip.AddrPortFrom(conn.RemoteAddr, conn.RemotePort)
	return &boundSender{conn: dataConn, dst: dst}, dataConn.LocalAddr().Port(), nil
}

func (d *serverDataPlane) Spawn(ctx context.Context, sess *udpst.Session) {
	dataConn, ok := d.registry.take(sess.ConnIndex())
	if !ok {
		d.logger.Error("spawn: no data socket tracked for connection", slog.Int("conn_index", sess.ConnIndex()))
		go sess.Run(ctx)
		return
	}

	d.mu.Lock()
	peer := d.peers[sess.ConnIndex()]
	delete(d.peers, sess.ConnIndex())
	d.mu.Unlock()
	d.collector.RegisterSession(peer, dataConn.LocalAddr().Addr(), "server")

	go sess.Run(ctx)
	go runDataPlaneReceiver(ctx, dataConn, sess, d.collector, d.logger)
}

// -------------------------------------------------------------------------
// Server control-plane demux: Setup and Test-Activation requests arrive
// on the single well-known control socket and are answered synchronously,
// unlike the per-connection data-plane sockets above.
// -------------------------------------------------------------------------

// serveControlSocket reads from conn until ctx is cancelled, dispatching
// each datagram to srv by PDU family and writing the response back to the
// sender. Mirrors the shape of the teacher's netio.Receiver loop, but
// inlined here because -- unlike data-plane demuxing -- every control
// request needs a synchronous reply written back to the same socket.
func serveControlSocket(ctx context.Context, conn *netio.UDPConn, srv *udpst.Server, mgr *udpst.Manager, collector *metrics.Collector, logger *slog.Logger) {
	localAddr := conn.LocalAddr().Addr()

	for {
		if ctx.Err() != nil {
			return
		}

		bufp, ok := udpst.PacketPool.Get().(*[]byte)
		if !ok {
			logger.Error("control socket: packet pool returned unexpected type")
			continue
		}

		n, meta, err := conn.ReadPacket(*bufp)
		if err != nil {
			udpst.PacketPool.Put(bufp)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("control socket: read error", slog.String("error", err.Error()))
			continue
		}

		wire := make([]byte, n)
		copy(wire, (*bufp)[:n])
		udpst.PacketPool.Put(bufp)

		peer := udpst.PeerKey{Addr: meta.SrcAddr, Port: meta.SrcPort}
		resp := dispatchControlPDU(ctx, wire, peer, srv, mgr, collector, localAddr, logger)
		if resp == nil {
			continue
		}
		if err := conn.WritePacket(resp, netip.AddrPortFrom(meta.SrcAddr, meta.SrcPort)); err != nil {
			logger.Warn("control socket: write response failed", slog.String("error", err.Error()))
			continue
		}
		collector.IncPDUsSent(meta.SrcAddr, localAddr, "control-response")
	}
}

func dispatchControlPDU(ctx context.Context, wire []byte, peer udpst.PeerKey, srv *udpst.Server, mgr *udpst.Manager, collector *metrics.Collector, localAddr netip.Addr, logger *slog.Logger) []byte {
	id, err := udpst.PeekPDUID(wire)
	if err != nil {
		logger.Debug("control socket: unrecognized datagram", slog.String("error", err.Error()))
		return nil
	}

	now := time.Now()

	switch id {
	case udpst.PDUSetup:
		collector.IncPDUsReceived(peer.Addr, localAddr, "setup")
		req, err := udpst.UnmarshalSetupPDU(wire)
		if err != nil {
			logger.Warn("control socket: malformed setup request", slog.String("error", err.Error()))
			return nil
		}
		_, resp, err := srv.HandleSetup(ctx, wire, req, peer, now)
		if err != nil {
			logger.Warn("handle setup failed", slog.String("error", err.Error()))
			return nil
		}
		return resp

	case udpst.PDUTestAct:
		collector.IncPDUsReceived(peer.Addr, localAddr, "test-activation")
		req, err := udpst.UnmarshalTestActPDU(wire)
		if err != nil {
			logger.Warn("control socket: malformed test-activation request", slog.String("error", err.Error()))
			return nil
		}
		conn, err := mgr.Lookup(peer)
		if err != nil {
			logger.Warn("control socket: test-activation for unknown connection", slog.String("error", err.Error()))
			return nil
		}
		resp, err := srv.HandleTestAct(ctx, wire, req, conn, now)
		if err != nil {
			logger.Warn("handle test-activation failed", slog.String("error", err.Error()))
			return nil
		}
		return resp

	default:
		collector.IncPDUsDropped(peer.Addr, localAddr, "unknown")
		logger.Debug("control socket: unexpected pdu on control-plane socket", slog.Any("pdu_id", id))
		return nil
	}
}
