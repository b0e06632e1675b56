package input

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

var parseNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func TestRecordExtractorParse(t *testing.T) {
	extractor := NewRecordExtractor(ExtractorConfig{})

	tests := []struct {
		name         string
		line         string
		wantErr      error
		wantAddr     string
		wantTime     time.Time
		wantStatus   int
		wantReceived int64
		wantSent     int64
		wantSession  time.Duration
		wantPort     uint16
	}{
		{
			name:         "bracketed probe",
			line:         "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005",
			wantAddr:     "203.0.113.7",
			wantTime:     time.Date(2026, 10, 14, 11, 58, 0, 0, time.UTC),
			wantStatus:   200,
			wantReceived: 80,
			wantSent:     120,
			wantSession:  5 * time.Millisecond,
		},
		{
			name:         "offset converted to UTC",
			line:         "198.51.100.4 [14/Oct/2026:13:30:00 +0200] TCP 200 5000 7000 42.5",
			wantAddr:     "198.51.100.4",
			wantTime:     time.Date(2026, 10, 14, 11, 30, 0, 0, time.UTC),
			wantStatus:   200,
			wantReceived: 5000,
			wantSent:     7000,
			wantSession:  42500 * time.Millisecond,
		},
		{
			name:         "destination port as host:port",
			line:         `[2001:db8::1] [14/Oct/2026:11:00:00 +0000] TCP 200 10 10 0.1 "10.0.0.5:443"`,
			wantAddr:     "2001:db8::1",
			wantTime:     time.Date(2026, 10, 14, 11, 0, 0, 0, time.UTC),
			wantStatus:   200,
			wantReceived: 10,
			wantSent:     10,
			wantSession:  100 * time.Millisecond,
			wantPort:     443,
		},
		{
			name:         "mapped address unmapped",
			line:         "[::ffff:192.0.2.9] [14/Oct/2026:11:00:00 +0000] TCP 502 0 0 0.000 22",
			wantAddr:     "192.0.2.9",
			wantTime:     time.Date(2026, 10, 14, 11, 0, 0, 0, time.UTC),
			wantStatus:   502,
			wantPort:     22,
		},
		{
			name:    "too few fields",
			line:    "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80",
			wantErr: ErrInvalidLogFormat,
		},
		{
			name:    "bad address",
			line:    "[not-an-ip] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005",
			wantErr: ErrInvalidAddress,
		},
		{
			name:    "bad timestamp",
			line:    "[203.0.113.7] [yesterday at noon] TCP 200 80 120 0.005",
			wantErr: ErrInvalidTimestamp,
		},
		{
			name:    "non-numeric bytes",
			line:    "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 eighty 120 0.005",
			wantErr: ErrInvalidLogFormat,
		},
		{
			name:    "negative session",
			line:    "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 -1",
			wantErr: ErrInvalidLogFormat,
		},
		{
			name:    "bad port",
			line:    "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005 host:https",
			wantErr: ErrInvalidLogFormat,
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: ErrInvalidLogFormat,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := extractor.Parse(tc.line, parseNow)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantAddr, rec.SourceAddr.String())
			assert.True(t, tc.wantTime.Equal(rec.Timestamp), "got %s", rec.Timestamp)
			assert.Equal(t, time.UTC, rec.Timestamp.Location())
			assert.Equal(t, tc.wantStatus, rec.StatusCode)
			assert.Equal(t, tc.wantReceived, rec.BytesReceived)
			assert.Equal(t, tc.wantSent, rec.BytesSent)
			assert.Equal(t, tc.wantSession, rec.SessionDuration)
			assert.Equal(t, tc.wantPort, rec.DestinationPort)
			assert.Equal(t, tc.line, rec.RawLine)
		})
	}
}

func TestRecordExtractorRejectsLongLines(t *testing.T) {
	extractor := NewRecordExtractor(ExtractorConfig{})
	line := "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 " + strings.Repeat("9", domain.MaxLineLength)

	_, err := extractor.Parse(line, parseNow)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestRecordExtractorExtract(t *testing.T) {
	extractor := NewRecordExtractor(ExtractorConfig{SuccessStatus: []int{200}, Ports: []uint16{443}})

	tests := []struct {
		name string
		line string
		want domain.LineOutcome
	}{
		{"accepted without port", "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005", domain.LineAccepted},
		{"accepted on watched port", "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005 443", domain.LineAccepted},
		{"unwatched port", "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005 8080", domain.LineIrrelevant},
		{"udp", "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] UDP 200 80 120 0.005", domain.LineIrrelevant},
		{"lowercase protocol", "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] tcp 200 80 120 0.005", domain.LineIrrelevant},
		{"upstream failure", "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 502 80 120 0.005", domain.LineIrrelevant},
		{"controller line", "I1014 11:58:00.123456       7 controller.go:190] Configuration changes detected", domain.LineMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, outcome := extractor.Extract(tc.line, parseNow)
			assert.Equal(t, tc.want, outcome)
		})
	}
}

func TestRecordExtractorCustomStatus(t *testing.T) {
	extractor := NewRecordExtractor(ExtractorConfig{SuccessStatus: []int{200, 502}})
	_, outcome := extractor.Extract("[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 502 80 120 0.005", parseNow)
	assert.Equal(t, domain.LineAccepted, outcome)
}

func TestParseTimestampGlogFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		first  string
		second string
		now    time.Time
		want   time.Time
	}{
		{
			name:   "info line",
			first:  "I1014",
			second: "11:58:00.123456",
			now:    parseNow,
			want:   time.Date(2026, 10, 14, 11, 58, 0, 123456000, time.UTC),
		},
		{
			name:   "warning line",
			first:  "W1014",
			second: "11:00:00.000001",
			now:    parseNow,
			want:   time.Date(2026, 10, 14, 11, 0, 0, 1000, time.UTC),
		},
		{
			name:   "december stamp read in january",
			first:  "I1231",
			second: "23:59:59.000000",
			now:    time.Date(2027, 1, 1, 0, 0, 30, 0, time.UTC),
			want:   time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
		},
		{
			name:   "slightly ahead stays in current year",
			first:  "I1014",
			second: "13:00:00.000000",
			now:    parseNow,
			want:   time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimestamp(tc.first, tc.second, tc.now)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestLineTime(t *testing.T) {
	extractor := NewRecordExtractor(ExtractorConfig{})

	ts, ok := extractor.LineTime("I1014 11:58:00.500000       7 store.go:402] updating references", parseNow)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 10, 14, 11, 58, 0, 500000000, time.UTC), ts)

	ts, ok = extractor.LineTime("[203.0.113.7] [14/Oct/2026:11:58:00 +0000] UDP 200 80 120 0.005", parseNow)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 10, 14, 11, 58, 0, 0, time.UTC), ts)

	_, ok = extractor.LineTime("no timestamp here", parseNow)
	assert.False(t, ok)
}

func BenchmarkRecordExtractor(b *testing.B) {
	extractor := NewRecordExtractor(ExtractorConfig{Ports: []uint16{443}})
	line := `[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005 "10.0.0.5:443"`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = extractor.Extract(line, parseNow)
	}
}
