package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/dantte-lp/udpst/internal/metrics"
	"github.com/dantte-lp/udpst/internal/netio"
	"github.com/dantte-lp/udpst/internal/udpst"
)

// clientRunHandle bundles the per-run control socket and ClientRunner a
// daemonRunner allocates for one StartSession call, so StopSession can
// tear both down together.
type clientRunHandle struct {
	runner *udpst.ClientRunner
	socket *netio.UDPConn
	key    string
}

// daemonRunner implements udpst.Runner for the daemon's client role. Every
// started session gets its own control socket -- reused as its data-plane
// socket by clientDataPlane -- while all sessions share one connection
// table, so a slot index returned to a caller stays unique across the
// whole daemon, whether the run was started over the HTTP control API or
// declared in the config file. Mirrors the teacher's udpSenderFactory:
// one allocation per managed unit of work, torn down as a pair on stop.
type daemonRunner struct {
	mgr         *udpst.Manager
	policy      udpst.ClientPolicy
	collector   *metrics.Collector
	logger      *slog.Logger
	subInterval udpst.SubIntervalCallback
	summary     udpst.SummaryCallback

	mu      sync.Mutex
	handles map[int]*clientRunHandle
	byKey   map[string]int
}

func newDaemonRunner(
	mgr *udpst.Manager,
	policy udpst.ClientPolicy,
	collector *metrics.Collector,
	subInterval udpst.SubIntervalCallback,
	summary udpst.SummaryCallback,
	logger *slog.Logger,
) *daemonRunner {
	return &daemonRunner{
		mgr:         mgr,
		policy:      policy,
		collector:   collector,
		logger:      logger,
		subInterval: subInterval,
		summary:     summary,
		handles:     make(map[int]*clientRunHandle),
		byKey:       make(map[string]int),
	}
}

// StartSession implements udpst.Runner for ad hoc, HTTP-triggered runs.
func (d *daemonRunner) StartSession(ctx context.Context, req udpst.StartRequest) (*udpst.Connection, error) {
	return d.startKeyed(ctx, "", req)
}

// startKeyed opens a fresh control socket, builds a Client bound to it
// over the shared connection table, and drives the handshake. key is
// non-empty only for declarative runs tracked across SIGHUP reloads.
func (d *daemonRunner) startKeyed(ctx context.Context, key string, req udpst.StartRequest) (*udpst.Connection, error) {
	socket, err := netio.Listen(ctx, netip.AddrPortFrom(netip.IPv6Unspecified(), 0), netio.SocketOptions{})
	if err != nil {
		return nil, fmt.Errorf("start session: open control socket: %w", err)
	}

	dp := &clientDataPlane{conn: socket, collector: d.collector, logger: d.logger}
	transport := &clientControlTransport{conn: socket}
	client := udpst.NewClient(d.mgr, d.policy, dp, dp, d.subInterval, d.summary, d.logger)
	runner := udpst.NewClientRunner(client, transport)

	conn, err := runner.StartSession(ctx, req)
	if err != nil {
		_ = socket.Close()
		return nil, err
	}

	d.mu.Lock()
	d.handles[conn.Index] = &clientRunHandle{runner: runner, socket: socket, key: key}
	if key != "" {
		d.byKey[key] = conn.Index
	}
	d.mu.Unlock()

	return conn, nil
}

// StopSession implements udpst.Runner.
func (d *daemonRunner) StopSession(connIndex int) bool {
	d.mu.Lock()
	h, ok := d.handles[connIndex]
	if ok {
		delete(d.handles, connIndex)
		if h.key != "" {
			delete(d.byKey, h.key)
		}
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	stopped := h.runner.StopSession(connIndex)
	_ = h.socket.Close()
	return stopped
}

// Sessions implements udpst.Runner.
func (d *daemonRunner) Sessions() []*udpst.Connection {
	return d.mgr.Live()
}

// reconcile starts and stops keyed declarative runs to match desired,
// the client-role analogue of the teacher's reconcileSessions diffing
// cfg.Sessions against bfd.Manager's live set on SIGHUP.
func (d *daemonRunner) reconcile(ctx context.Context, desired map[string]udpst.StartRequest) {
	d.mu.Lock()
	var stale []string
	for key := range d.byKey {
		if _, ok := desired[key]; !ok {
			stale = append(stale, key)
		}
	}
	var toStart []string
	for key := range desired {
		if _, ok := d.byKey[key]; !ok {
			toStart = append(toStart, key)
		}
	}
	d.mu.Unlock()

	for _, key := range stale {
		d.mu.Lock()
		idx, ok := d.byKey[key]
		d.mu.Unlock()
		if !ok {
			continue
		}
		d.logger.Info("run removed from configuration, stopping", slog.String("run_key", key))
		d.StopSession(idx)
	}

	for _, key := range toStart {
		req := desired[key]
		d.logger.Info("starting declarative run",
			slog.String("run_key", key),
			slog.String("server", req.Server.String()),
		)
		if _, err := d.startKeyed(ctx, key, req); err != nil {
			d.logger.Error("failed to start declarative run",
				slog.String("run_key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// closeAll tears down every tracked run's Client and control socket,
// called during graceful shutdown.
func (d *daemonRunner) closeAll() {
	d.mu.Lock()
	handles := d.handles
	d.handles = make(map[int]*clientRunHandle)
	d.byKey = make(map[string]int)
	d.mu.Unlock()

	for idx, h := range handles {
		h.runner.StopSession(idx)
		_ = h.socket.Close()
	}
}
