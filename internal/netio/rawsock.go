package netio

import (
	"errors"
	"net/netip"
)

// SocketOptions configures the BSD-socket-level tuning applied to a
// connection's underlying file descriptor, per the Connection Table's
// "apply SO_REUSEADDR and optional send/receive buffer sizes, set
// IPV6_V6ONLY according to config" rule.
type SocketOptions struct {
	// ReuseAddr sets SO_REUSEADDR, allowing rapid re-bind of a recently
	// closed test connection's port.
	ReuseAddr bool

	// SendBufBytes, when non-zero, sets SO_SNDBUF.
	SendBufBytes int

	// RecvBufBytes, when non-zero, sets SO_RCVBUF.
	RecvBufBytes int

	// V6Only sets IPV6_V6ONLY on an IPv6 socket, disabling the IPv4-
	// mapped dual-stack fast path when the configuration requires
	// strict address-family separation.
	V6Only bool

	// DSCPEcn, when non-zero, sets the IP_TOS (IPv4) or IPV6_TCLASS
	// (IPv6) byte used by a test connection's data-plane traffic, per
	// the negotiated dscpEcn test parameter.
	DSCPEcn uint8
}

// PacketMeta carries transport-layer metadata for a received datagram:
// enough to demultiplex it to the owning Connection by peer key.
type PacketMeta struct {
	// SrcAddr is the source IP address from the received packet.
	SrcAddr netip.Addr

	// SrcPort is the source UDP port from the received packet.
	SrcPort uint16
}

// PacketConn abstracts UDPST packet send/receive operations over a UDP
// socket, letting the Connection Table bind either the single well-known
// control-plane socket or a per-test data-plane socket through the same
// interface.
type PacketConn interface {
	// ReadPacket reads a single datagram into buf, returning the number
	// of bytes read and the sender's transport metadata. The caller
	// provides a buffer from PacketPool.
	ReadPacket(buf []byte) (n int, meta PacketMeta, err error)

	// WritePacket sends buf to dst.
	WritePacket(buf []byte, dst netip.AddrPort) error

	// Close releases the underlying socket resources.
	Close() error

	// LocalAddr returns the local address and port the socket is bound to.
	LocalAddr() netip.AddrPort
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrPoolType indicates the packet pool returned an unexpected type.
	ErrPoolType = errors.New("packet pool returned unexpected type")

	// ErrUnexpectedConnType indicates net.ListenConfig.ListenPacket
	// returned a connection that is not a *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected packet connection type")
)
