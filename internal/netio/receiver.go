package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoListeners indicates that Run was called without any listeners.
var ErrNoListeners = errors.New("receiver run: no listeners provided")

// Demuxer routes a raw received datagram to the owning Connection. The
// receiver hands it the wire bytes and sender metadata rather than a
// parsed PDU, since the PDU family (and therefore the parser to use)
// isn't known until the udpst package peeks its tag.
type Demuxer interface {
	DemuxWithWire(wire []byte, meta PacketMeta) error
}

// Receiver reads datagrams from one or more Listeners and routes them to
// sessions via a Demuxer. Each listener runs its own goroutine; Run blocks
// until ctx is cancelled and every goroutine has returned.
type Receiver struct {
	demuxer Demuxer
	logger  *slog.Logger
}

// NewReceiver creates a Receiver that routes packets to the given Demuxer.
func NewReceiver(demuxer Demuxer, logger *slog.Logger) *Receiver {
	return &Receiver{
		demuxer: demuxer,
		logger:  logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads from all listeners concurrently until ctx is cancelled.
// Errors from individual packet reads are logged but do not stop the
// receiver; only context cancellation terminates the loop.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))
	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	for range len(listeners) {
		<-done
	}
	return nil
}

// recvLoop reads packets from a single Listener until ctx is cancelled.
func (r *Receiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.recvOne(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-demux cycle.
func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, meta, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}

	wire := make([]byte, len(raw))
	copy(wire, raw)

	if err := r.demuxer.DemuxWithWire(wire, meta); err != nil {
		r.logger.Debug("demux failed",
			slog.String("src", meta.SrcAddr.String()),
			slog.Uint64("src_port", uint64(meta.SrcPort)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
