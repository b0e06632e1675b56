package input

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

func TestFileSourceDrainsBufferedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.log")
	content := "[203.0.113.7] [14/Oct/2026:11:58:00 +0000] TCP 200 80 120 0.005\n" +
		"[203.0.113.8] [14/Oct/2026:11:58:01 +0000] TCP 200 80 120 0.005\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src := NewFileSource(FileSourceConfig{Path: path, FromBeginning: true, Poll: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, src.Start(ctx))
	defer src.Stop()
	assert.True(t, src.IsRunning())

	var got []string
	require.Eventually(t, func() bool {
		lines, err := src.ReadNewRecords(ctx, time.Time{})
		require.NoError(t, err)
		got = append(got, lines...)
		return len(got) == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, got[0], "203.0.113.7")
	assert.Contains(t, got[1], "203.0.113.8")

	lines, err := src.ReadNewRecords(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestFileSourceNotStarted(t *testing.T) {
	src := NewFileSource(FileSourceConfig{Path: filepath.Join(t.TempDir(), "missing.log")})
	_, err := src.ReadNewRecords(context.Background(), time.Time{})
	assert.ErrorIs(t, err, ErrSourceNotStarted)
	assert.NoError(t, src.Stop())
}

func TestCommandSourceExpandsPlaceholders(t *testing.T) {
	src, err := NewCommandSource(`echo "--since-time={since}" {since_seconds}`, time.Second)
	require.NoError(t, err)

	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	args := src.Args(now.Add(-90 * time.Second))
	assert.Equal(t, []string{"echo", "--since-time=2026-10-14T11:58:30Z", "90"}, args)

	args = src.Args(now.Add(time.Minute))
	assert.Equal(t, "1", args[2])
}

func TestCommandSourceReadsOutput(t *testing.T) {
	src, err := NewCommandSource(`sh -c "printf 'first line\n\nsecond line\n'"`, 5*time.Second)
	require.NoError(t, err)

	lines, err := src.ReadNewRecords(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"first line", "second line"}, lines)
}

func TestCommandSourceFailure(t *testing.T) {
	src, err := NewCommandSource(`sh -c "echo boom >&2; exit 3"`, 5*time.Second)
	require.NoError(t, err)

	_, err = src.ReadNewRecords(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandSourceRejectsEmpty(t *testing.T) {
	_, err := NewCommandSource("   ", time.Second)
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestDemoSourceProducesParseableTraffic(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	src := NewDemoSource(DemoConfig{LinesPerCycle: 100, ProbePercent: 50, Seed: 7}).
		WithClock(func() time.Time { return now })

	lines, err := src.ReadNewRecords(context.Background(), now.Add(-10*time.Second))
	require.NoError(t, err)
	require.Len(t, lines, 101)
	assert.True(t, strings.HasPrefix(lines[0], "I1014 "))

	extractor := NewRecordExtractor(ExtractorConfig{})
	accepted := 0
	for _, line := range lines[1:] {
		rec, outcome := extractor.Extract(line, now)
		if outcome == domain.LineMalformed {
			t.Fatalf("demo line did not parse: %q", line)
		}
		if outcome == domain.LineAccepted {
			accepted++
		}
		assert.False(t, rec.Timestamp.Before(now.Add(-10*time.Second)))
		assert.False(t, rec.Timestamp.After(now))
	}
	assert.Greater(t, accepted, 0)

	ts, ok := extractor.LineTime(lines[0], now)
	require.True(t, ok)
	assert.Equal(t, now.Add(-10*time.Second), ts)
	assert.Equal(t, uint64(101), src.Generated())
}

func TestSnapshotSourceReadsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\npart"), 0o644))

	src := NewSnapshotSource(path)
	lines, err := src.ReadNewRecords(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ial\r\nthree\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err = src.ReadNewRecords(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"partial", "three"}, lines)

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o644))
	lines, err = src.ReadNewRecords(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, lines)
}

func TestSnapshotSourceMissingFile(t *testing.T) {
	_, err := NewSnapshotSource(filepath.Join(t.TempDir(), "absent.log")).ReadNewRecords(context.Background(), time.Time{})
	assert.Error(t, err)
}
