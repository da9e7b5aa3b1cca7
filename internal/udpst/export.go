package udpst

import (
	"encoding/csv"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExportRow is one per-datagram log line for the optional CSV export
// file: a single Load PDU's round-trip measurements as observed at the
// receiving/measuring side of a connection.
type ExportRow struct {
	SeqNo        uint32
	PayLoad      uint16
	SrcTxTime    time.Time
	DstRxTime    time.Time
	OWD          time.Duration
	IntfMbps     float64
	IntfMbpsAlt  float64
	RTTTxTime    time.Time
	RTTRxTime    time.Time
	RTTRespDelay time.Duration
	RTT          time.Duration
	StatusLoss   uint32
}

var exportHeader = []string{
	"SeqNo", "PayLoad", "SrcTxTime", "DstRxTime", "OWD",
	"IntfMbps", "IntfMbpsAlt", "RTTTxTime", "RTTRxTime",
	"RTTRespDelay", "RTT", "StatusLoss",
}

// Exporter writes one connection's per-datagram measurements to a CSV
// file, opened from a token-templated path.
type Exporter struct {
	file *os.File
	w    *csv.Writer
}

// NewExporter opens (creating or truncating) path and writes the CSV
// header row.
func NewExporter(path string) (*Exporter, error) {
	f, err := os.Create(path) //nolint:gosec // path is operator-configured, not user-controlled input
	if err != nil {
		return nil, fmt.Errorf("open export file %q: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(exportHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write export header: %w", err)
	}
	return &Exporter{file: f, w: w}, nil
}

// WriteRow appends one measurement row, flushing immediately so a crash
// loses at most the in-flight row.
func (e *Exporter) WriteRow(row ExportRow) error {
	record := []string{
		strconv.FormatUint(uint64(row.SeqNo), 10),
		strconv.FormatUint(uint64(row.PayLoad), 10),
		strconv.FormatInt(row.SrcTxTime.UnixNano(), 10),
		strconv.FormatInt(row.DstRxTime.UnixNano(), 10),
		strconv.FormatInt(row.OWD.Microseconds(), 10),
		strconv.FormatFloat(row.IntfMbps, 'f', 3, 64),
		strconv.FormatFloat(row.IntfMbpsAlt, 'f', 3, 64),
		strconv.FormatInt(row.RTTTxTime.UnixNano(), 10),
		strconv.FormatInt(row.RTTRxTime.UnixNano(), 10),
		strconv.FormatInt(row.RTTRespDelay.Milliseconds(), 10),
		strconv.FormatInt(row.RTT.Milliseconds(), 10),
		strconv.FormatUint(uint64(row.StatusLoss), 10),
	}
	if err := e.w.Write(record); err != nil {
		return fmt.Errorf("write export row: %w", err)
	}
	e.w.Flush()
	return e.w.Error()
}

// Close flushes and closes the underlying file.
func (e *Exporter) Close() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		e.file.Close()
		return err
	}
	return e.file.Close()
}

// FilenameParams supplies the values substituted for each filename
// template token.
type FilenameParams struct {
	MCIndex     uint8
	MCCount     uint8
	MCIdent     uint16
	LocalAddr   netip.Addr
	RemoteAddr  netip.Addr
	SrcPort     uint16
	DstPort     uint16
	IsServer    bool
	Direction   TestType
	Host        string
	ControlPort uint16
	Interface   string
}

// ExpandFilename substitutes the `#`-prefixed tokens in tmpl per
// spec.md §6 (multi-conn index/count/ident, local/remote IP, src/dst
// port, mode S/C, direction U/D, host, control port, interface), then
// applies strftime-style time substitution on the result so a template
// can additionally embed the run's start time.
func ExpandFilename(tmpl string, p FilenameParams, now time.Time) string {
	mode := "C"
	if p.IsServer {
		mode = "S"
	}
	direction := "D"
	if p.Direction == TestTypeUpstream {
		direction = "U"
	}

	replacer := strings.NewReplacer(
		"#i", strconv.FormatUint(uint64(p.MCIndex), 10),
		"#c", strconv.FormatUint(uint64(p.MCCount), 10),
		"#I", strconv.FormatUint(uint64(p.MCIdent), 10),
		"#l", p.LocalAddr.String(),
		"#r", p.RemoteAddr.String(),
		"#s", strconv.FormatUint(uint64(p.SrcPort), 10),
		"#d", strconv.FormatUint(uint64(p.DstPort), 10),
		"#M", mode,
		"#D", direction,
		"#H", p.Host,
		"#p", strconv.FormatUint(uint64(p.ControlPort), 10),
		"#E", p.Interface,
	)
	substituted := replacer.Replace(tmpl)
	return strftime(substituted, now)
}

// strftime applies the small subset of strftime conversion specifiers
// a filename template plausibly needs, translating them to time.Format
// layout fragments. Unrecognized specifiers pass through unchanged.
func strftime(s string, now time.Time) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'Y':
			b.WriteString(now.Format("2006"))
		case 'm':
			b.WriteString(now.Format("01"))
		case 'd':
			b.WriteString(now.Format("02"))
		case 'H':
			b.WriteString(now.Format("15"))
		case 'M':
			b.WriteString(now.Format("04"))
		case 'S':
			b.WriteString(now.Format("05"))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
