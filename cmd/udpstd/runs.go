package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/dantte-lp/udpst/internal/config"
	"github.com/dantte-lp/udpst/internal/udpst"
)

// desiredRuns converts the declarative run entries from the config file
// into the keyed set of client StartRequests a daemonRunner can reconcile
// against. Entries that fail to parse are logged and skipped -- config
// Validate already rejected empty servers and unknown directions, so a
// failure here means the address itself (host or port) is not resolvable
// as a literal host:port pair.
func desiredRuns(runs []config.RunConfig, logger *slog.Logger) map[string]udpst.StartRequest {
	out := make(map[string]udpst.StartRequest, len(runs))
	for _, rc := range runs {
		addrPort, err := netip.ParseAddrPort(rc.Server)
		if err != nil {
			logger.Error("run: invalid server address, skipping",
				slog.String("server", rc.Server),
				slog.String("error", err.Error()),
			)
			continue
		}

		testType := udpst.TestTypeDownstream
		if strings.EqualFold(rc.Direction, "upstream") {
			testType = udpst.TestTypeUpstream
		}

		out[rc.RunKey()] = udpst.StartRequest{
			Server:   addrPort,
			TestType: testType,
			MCIndex:  rc.MCIndex,
			MCCount:  rc.MCCount,
		}
	}
	return out
}

// mustParseAddrPort is used for daemon-internal addresses that config
// Validate has already confirmed non-empty (the UDPST control-plane bind
// address); a parse failure here means the configured literal itself is
// malformed and the daemon cannot start.
func mustParseAddrPort(s string) (netip.AddrPort, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return addrPort, nil
}
