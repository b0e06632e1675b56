package domain

import (
	"net/netip"
	"time"
)

// MaxLineLength bounds the raw lines the extractor accepts. Longer lines are
// rejected before any field is parsed.
const MaxLineLength = 8192

// ConnectionRecord is one parsed stream-log line. It is produced by the
// record extractor and consumed once by the whitelist and tracker.
type ConnectionRecord struct {
	SourceAddr      netip.Addr    `json:"source_addr"`
	Timestamp       time.Time     `json:"timestamp"`
	Protocol        string        `json:"protocol"`
	StatusCode      int           `json:"status_code"`
	BytesReceived   int64         `json:"bytes_received"`
	BytesSent       int64         `json:"bytes_sent"`
	SessionDuration time.Duration `json:"session_duration"`
	DestinationPort uint16        `json:"destination_port,omitempty"`
	RawLine         string        `json:"raw_line,omitempty"`
}

// HasPort reports whether the line carried a destination port.
func (r ConnectionRecord) HasPort() bool {
	return r.DestinationPort != 0
}

// HostRoute returns the single-address ban entry for the record's source.
func (r ConnectionRecord) HostRoute() BanEntry {
	return HostRoute(r.SourceAddr)
}

// TransferLimits are the byte thresholds separating probes from sessions.
type TransferLimits struct {
	BytesSent     int64
	BytesReceived int64
}

// DefaultTransferLimits returns the 2000/2000 bytes thresholds.
func DefaultTransferLimits() TransferLimits {
	return TransferLimits{BytesSent: 2000, BytesReceived: 2000}
}

// IsLowPayload reports whether both directions stay strictly below the
// limits, the signature of a probe.
func (l TransferLimits) IsLowPayload(r ConnectionRecord) bool {
	return r.BytesSent < l.BytesSent && r.BytesReceived < l.BytesReceived
}

// IsSession reports whether both directions strictly exceed the limits, the
// signature of a real session.
func (l TransferLimits) IsSession(r ConnectionRecord) bool {
	return r.BytesSent > l.BytesSent && r.BytesReceived > l.BytesReceived
}
