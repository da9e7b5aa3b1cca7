package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/dantte-lp/udpst/internal/udpst"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// UDPConn — plain UDP socket implementing PacketConn
// -------------------------------------------------------------------------

// UDPConn implements PacketConn over an ordinary connected or unconnected
// UDP socket. UDPST has no GTSM/raw-socket requirement: the Connection
// Table only calls for SO_REUSEADDR, optional send/receive buffer sizing,
// IPV6_V6ONLY, and a DSCP/ECN code point on the data-plane socket.
type UDPConn struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	mu        sync.Mutex
	closed    bool
}

// ReadPacket reads a single datagram, returning the sender's address.
func (c *UDPConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	n, srcAddr, err := c.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, PacketMeta{}, fmt.Errorf("read packet: %w", err)
	}
	return n, PacketMeta{SrcAddr: srcAddr.Addr().Unmap(), SrcPort: srcAddr.Port()}, nil
}

// WritePacket sends buf to dst.
func (c *UDPConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("write packet to %s: %w", dst, ErrSocketClosed)
	}
	c.mu.Unlock()

	if _, err := c.conn.WriteToUDPAddrPort(buf, dst); err != nil {
		return fmt.Errorf("write packet to %s: %w", dst, err)
	}
	return nil
}

// Close releases the underlying socket.
func (c *UDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// LocalAddr returns the local address and port the socket is bound to.
func (c *UDPConn) LocalAddr() netip.AddrPort {
	return c.localAddr
}

// SetDSCP applies dscpEcn to the already-open socket. The data-plane
// socket is opened at Setup time, before Test-Activation negotiates the
// dscpEcn value, so this is the only point it can be applied.
func (c *UDPConn) SetDSCP(dscpEcn uint8) error {
	isIPv6 := c.localAddr.Addr().Is6() && !c.localAddr.Addr().Is4In6()
	return applyDSCP(c.conn, isIPv6, dscpEcn)
}

// Listen opens a UDP socket bound to laddr and configured per opts. An
// unspecified (zero) port lets the kernel assign a test-connection port,
// which the caller reports back to the peer in the CHSR response.
func Listen(ctx context.Context, laddr netip.AddrPort, opts SocketOptions) (*UDPConn, error) {
	isIPv6 := laddr.Addr().Is6() && !laddr.Addr().Is4In6()

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return applySocketOptions(c, isIPv6, opts)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", laddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("listen %s: %w: %w", laddr, ErrUnexpectedConnType, closeErr)
	}

	if opts.DSCPEcn != 0 {
		if err := applyDSCP(conn, isIPv6, opts.DSCPEcn); err != nil {
			closeErr := conn.Close()
			return nil, fmt.Errorf("listen %s: set dscp: %w: %w", laddr, err, closeErr)
		}
	}

	actual := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &UDPConn{conn: conn, localAddr: actual}, nil
}

// Dial opens a connected UDP socket to raddr, bound locally per laddr.
// Connected sockets are used for a client's control-plane exchange with
// a single server and for the data-plane sender/receiver pair of a
// single test connection.
func Dial(ctx context.Context, laddr netip.AddrPort, raddr netip.AddrPort, opts SocketOptions) (*UDPConn, error) {
	isIPv6 := raddr.Addr().Is6() && !raddr.Addr().Is4In6()

	d := net.Dialer{
		LocalAddr: net.UDPAddrFromAddrPort(laddr),
		Control: func(_, _ string, c syscall.RawConn) error {
			return applySocketOptions(c, isIPv6, opts)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	nc, err := d.DialContext(ctx, network, raddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	conn, ok := nc.(*net.UDPConn)
	if !ok {
		closeErr := nc.Close()
		return nil, fmt.Errorf("dial %s: %w: %w", raddr, ErrUnexpectedConnType, closeErr)
	}

	if opts.DSCPEcn != 0 {
		if err := applyDSCP(conn, isIPv6, opts.DSCPEcn); err != nil {
			closeErr := conn.Close()
			return nil, fmt.Errorf("dial %s: set dscp: %w: %w", raddr, err, closeErr)
		}
	}

	actual := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &UDPConn{conn: conn, localAddr: actual}, nil
}

// applySocketOptions applies SO_REUSEADDR, optional buffer sizes, and
// IPV6_V6ONLY via the socket's raw-conn Control callback.
func applySocketOptions(c syscall.RawConn, isIPv6 bool, opts SocketOptions) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		sockErr = setSockOpts(intFD, isIPv6, opts)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func setSockOpts(fd int, isIPv6 bool, opts SocketOptions) error {
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	}
	if opts.SendBufBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBufBytes); err != nil {
			return fmt.Errorf("set SO_SNDBUF: %w", err)
		}
	}
	if opts.RecvBufBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufBytes); err != nil {
			return fmt.Errorf("set SO_RCVBUF: %w", err)
		}
	}
	if isIPv6 && opts.V6Only {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("set IPV6_V6ONLY: %w", err)
		}
	}
	return nil
}

// applyDSCP sets the IP_TOS (IPv4) or IPV6_TCLASS (IPv6) byte used for the
// data-plane test traffic's negotiated dscpEcn value.
func applyDSCP(conn *net.UDPConn, isIPv6 bool, dscpEcn uint8) error {
	if isIPv6 {
		if err := ipv6.NewConn(conn).SetTrafficClass(int(dscpEcn)); err != nil {
			return fmt.Errorf("set traffic class: %w", err)
		}
		return nil
	}
	if err := ipv4.NewConn(conn).SetTOS(int(dscpEcn)); err != nil {
		return fmt.Errorf("set tos: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Listener — high-level receive loop
// -------------------------------------------------------------------------

// ListenerConfig holds configuration for a UDPST packet listener.
type ListenerConfig struct {
	// Addr is the local IP address to bind to.
	Addr netip.Addr

	// Port is the UDP port to bind: the well-known control port for the
	// server's control-plane listener, or 0 to let the kernel assign a
	// data-plane test port.
	Port uint16

	// Opts controls the socket-level tuning applied to the bound socket.
	Opts SocketOptions
}

// Listener wraps a PacketConn and provides a context-aware receive loop,
// managing buffer lifetime through udpst.PacketPool.
type Listener struct {
	conn PacketConn
}

// NewListener creates a Listener bound per cfg.
func NewListener(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	conn, err := Listen(ctx, netip.AddrPortFrom(cfg.Addr, cfg.Port), cfg.Opts)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn}, nil
}

// NewListenerFromConn creates a Listener from an existing PacketConn. Used
// for testing with mock connections.
func NewListenerFromConn(conn PacketConn) *Listener {
	return &Listener{conn: conn}
}

// Recv blocks until a datagram is received or ctx is cancelled. The
// returned buffer is drawn from udpst.PacketPool; the caller must return
// it after processing.
func (l *Listener) Recv(ctx context.Context) ([]byte, PacketMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", err)
	}

	bufp, ok := udpst.PacketPool.Get().(*[]byte)
	if !ok {
		return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	n, meta, err := l.conn.ReadPacket(*bufp)
	if err != nil {
		udpst.PacketPool.Put(bufp)
		return nil, PacketMeta{}, fmt.Errorf("listener read: %w", err)
	}

	return (*bufp)[:n], meta, nil
}

// LocalAddr returns the address and port the listener is bound to.
func (l *Listener) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr()
}

// Close closes the underlying PacketConn.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
