package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dantte-lp/udpst/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of sessions in the requested format.
func formatSessions(sessions []server.SessionResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single session in the requested format.
func formatSession(session server.SessionResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(session)
	case formatTable:
		return formatSessionDetail(session)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a run event in the requested format.
func formatEvent(event server.Event, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionsTable(sessions []server.SessionResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTATE\tTYPE\tREMOTE\tMC-INDEX\tMC-COUNT\tCREATED")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s:%d\t%d\t%d\t%s\n",
			s.ConnIndex,
			s.State,
			s.TestType,
			s.RemoteAddr,
			s.RemotePort,
			s.MCIndex,
			s.MCCount,
			s.CreatedAt.Format(time.RFC3339),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s server.SessionResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Connection Index:\t%d\n", s.ConnIndex)
	fmt.Fprintf(w, "State:\t%s\n", s.State)
	fmt.Fprintf(w, "Test Type:\t%s\n", s.TestType)
	fmt.Fprintf(w, "Remote Address:\t%s\n", s.RemoteAddr)
	fmt.Fprintf(w, "Remote Port:\t%d\n", s.RemotePort)
	fmt.Fprintf(w, "Local Address:\t%s\n", valueOrNA(s.LocalAddr))
	fmt.Fprintf(w, "Local Port:\t%d\n", s.LocalPort)
	fmt.Fprintf(w, "MC Index:\t%d\n", s.MCIndex)
	fmt.Fprintf(w, "MC Count:\t%d\n", s.MCCount)
	fmt.Fprintf(w, "Created At:\t%s\n", s.CreatedAt.Format(time.RFC3339))

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatEventTable(event server.Event) string {
	switch event.Type {
	case "subinterval":
		r := event.SubInterval
		if r == nil {
			return fmt.Sprintf("[conn=%d] subinterval (no data)", event.ConnIndex)
		}
		return fmt.Sprintf("[%s] conn=%d seq=%d rx_datagrams=%d rx_bytes=%d",
			r.Timestamp.Format(time.RFC3339), event.ConnIndex, r.SeqNo,
			r.Stats.RxDatagrams, r.Stats.RxBytes)
	case "summary":
		r := event.Summary
		if r == nil {
			return fmt.Sprintf("[conn=%d] summary (no data)", event.ConnIndex)
		}
		return fmt.Sprintf("conn=%d rx_datagrams=%d rx_bytes=%d loss=%d ooo=%d dup=%d elapsed=%s",
			event.ConnIndex, r.RxDatagrams, r.RxBytes, r.SeqErrLoss, r.SeqErrOoo, r.SeqErrDup, r.ElapsedTime)
	case "error":
		return fmt.Sprintf("conn=%d error: %s", event.ConnIndex, event.Error)
	default:
		return fmt.Sprintf("conn=%d unknown event type %q", event.ConnIndex, event.Type)
	}
}

// --- JSON formatters ---

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

func valueOrNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
