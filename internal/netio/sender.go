package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// UDPSender sends UDPST PDUs to a single destination over a dedicated
// UDP socket bound to a specific local address. cmd/udpstd does not use
// it: its data-plane and control sockets go through its own adapters
// over netio.UDPConn.
type UDPSender struct {
	conn   *UDPConn
	dst    netip.AddrPort
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewUDPSender creates a sender bound to laddr, configured per opts, that
// always writes to dst.
func NewUDPSender(ctx context.Context, laddr netip.AddrPort, dst netip.AddrPort, opts SocketOptions, logger *slog.Logger) (*UDPSender, error) {
	conn, err := Listen(ctx, laddr, opts)
	if err != nil {
		return nil, fmt.Errorf("create UDP sender %s -> %s: %w", laddr, dst, err)
	}

	return &UDPSender{
		conn: conn,
		dst:  dst,
		logger: logger.With(
			slog.String("component", "netio.sender"),
			slog.String("local", laddr.String()),
			slog.String("dst", dst.String()),
		),
	}, nil
}

// SendPacket sends buf to the sender's configured destination.
func (s *UDPSender) SendPacket(_ context.Context, buf []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w", s.dst, ErrSocketClosed)
	}
	s.mu.Unlock()

	if err := s.conn.WritePacket(buf, s.dst); err != nil {
		return fmt.Errorf("send packet to %s: %w", s.dst, err)
	}
	return nil
}

// Close closes the underlying socket.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close sender socket: %w", err)
	}
	return nil
}

// LocalAddr returns the local address and port the sender is bound to.
func (s *UDPSender) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr()
}
