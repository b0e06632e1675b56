package input

import (
	"errors"
	"math"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

var (
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrInvalidAddress   = errors.New("invalid IP address")
	ErrLineTooLong      = errors.New("line exceeds maximum length")

	streamTimeLayout = "02/Jan/2006:15:04:05 -0700"
	glogTimeLayouts  = []string{"I0102 15:04:05", "W0102 15:04:05"}
)

const (
	streamFields     = 8
	streamFieldsPort = 9
	tcpProtocol      = "TCP"
)

// ExtractorConfig selects which connection records count as relevant.
type ExtractorConfig struct {
	SuccessStatus []int
	Ports         []uint16
}

// RecordExtractor parses ingress stream-log lines into connection records.
// It holds no mutable state and is safe for concurrent use.
type RecordExtractor struct {
	successStatus []int
	ports         []uint16
}

func NewRecordExtractor(cfg ExtractorConfig) *RecordExtractor {
	status := slices.Clone(cfg.SuccessStatus)
	if len(status) == 0 {
		status = []int{200}
	}
	return &RecordExtractor{
		successStatus: status,
		ports:         slices.Clone(cfg.Ports),
	}
}

// Extract parses line and classifies it in one step.
func (e *RecordExtractor) Extract(line string, now time.Time) (domain.ConnectionRecord, domain.LineOutcome) {
	rec, err := e.Parse(line, now)
	if err != nil {
		return domain.ConnectionRecord{}, domain.LineMalformed
	}
	if !e.Relevant(rec) {
		return rec, domain.LineIrrelevant
	}
	return rec, domain.LineAccepted
}

// Parse decodes one line of the form
//
//	[addr] [02/Jan/2006:15:04:05 -0700] TCP 200 recv sent secs [port]
func (e *RecordExtractor) Parse(line string, now time.Time) (domain.ConnectionRecord, error) {
	if len(line) > domain.MaxLineLength {
		return domain.ConnectionRecord{}, ErrLineTooLong
	}

	fields := strings.Fields(line)
	if len(fields) != streamFields && len(fields) != streamFieldsPort {
		return domain.ConnectionRecord{}, ErrInvalidLogFormat
	}

	addr, err := netip.ParseAddr(trimBrackets(fields[0]))
	if err != nil {
		return domain.ConnectionRecord{}, ErrInvalidAddress
	}

	ts, err := ParseTimestamp(fields[1], fields[2], now)
	if err != nil {
		return domain.ConnectionRecord{}, err
	}

	status, err := strconv.Atoi(fields[4])
	if err != nil || status < 0 {
		return domain.ConnectionRecord{}, ErrInvalidLogFormat
	}
	received, err := parseBytes(fields[5])
	if err != nil {
		return domain.ConnectionRecord{}, err
	}
	sent, err := parseBytes(fields[6])
	if err != nil {
		return domain.ConnectionRecord{}, err
	}
	session, err := parseSeconds(fields[7])
	if err != nil {
		return domain.ConnectionRecord{}, err
	}

	rec := domain.ConnectionRecord{
		SourceAddr:      addr.Unmap(),
		Timestamp:       ts,
		Protocol:        fields[3],
		StatusCode:      status,
		BytesReceived:   received,
		BytesSent:       sent,
		SessionDuration: session,
		RawLine:         line,
	}

	if len(fields) == streamFieldsPort {
		port, err := parsePort(fields[8])
		if err != nil {
			return domain.ConnectionRecord{}, err
		}
		rec.DestinationPort = port
	}

	return rec, nil
}

// Relevant reports whether rec is a successful TCP connection on a watched
// port.
func (e *RecordExtractor) Relevant(rec domain.ConnectionRecord) bool {
	if rec.Protocol != tcpProtocol {
		return false
	}
	if !slices.Contains(e.successStatus, rec.StatusCode) {
		return false
	}
	if rec.HasPort() && len(e.ports) > 0 && !slices.Contains(e.ports, rec.DestinationPort) {
		return false
	}
	return true
}

// LineTime returns the first timestamp found in any two consecutive tokens of
// line. Controller lines that are not connection records still carry one.
func (e *RecordExtractor) LineTime(line string, now time.Time) (time.Time, bool) {
	if len(line) > domain.MaxLineLength {
		return time.Time{}, false
	}
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if ts, err := ParseTimestamp(fields[i], fields[i+1], now); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseTimestamp joins a date token and a zone or clock token and parses
// them with the stream layout, falling back to the glog layouts. Yearless
// glog stamps take the year of now and move back a year if that would put
// them more than a day ahead.
func ParseTimestamp(first, second string, now time.Time) (time.Time, error) {
	raw := trimBrackets(first) + " " + trimBrackets(second)

	if ts, err := time.Parse(streamTimeLayout, raw); err == nil {
		return ts.UTC(), nil
	}

	for _, layout := range glogTimeLayouts {
		ts, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		now = now.UTC()
		ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
		if ts.Sub(now) > 24*time.Hour {
			ts = ts.AddDate(-1, 0, 0)
		}
		return ts, nil
	}

	return time.Time{}, ErrInvalidTimestamp
}

func trimBrackets(s string) string {
	s = strings.TrimPrefix(s, "[")
	return strings.TrimSuffix(s, "]")
}

func parseBytes(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidLogFormat
	}
	return n, nil
}

func parseSeconds(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, ErrInvalidLogFormat
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// parsePort accepts "443", "host:443" and "\"host:443\"".
func parsePort(s string) (uint16, error) {
	s = strings.Trim(s, `"`)
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		s = s[idx+1:]
	}
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, ErrInvalidLogFormat
	}
	return uint16(port), nil
}
