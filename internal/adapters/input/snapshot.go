package input

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SnapshotSource reads a file from the offset where the previous call
// stopped. One-shot commands use it instead of FileSource since they need
// the file content now rather than a follower. A file that shrank is read
// again from the start.
type SnapshotSource struct {
	path   string
	mu     sync.Mutex
	offset int64
}

func NewSnapshotSource(path string) *SnapshotSource {
	return &SnapshotSource{path: path}
}

// ReadNewRecords returns the complete lines appended since the last call. A
// trailing line without newline is left for the next call.
func (s *SnapshotSource) ReadNewRecords(ctx context.Context, _ time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < s.offset {
		log.Info().Str("file", s.path).Msg("Log file truncated, reading from start")
		s.offset = 0
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log file: %w", err)
	}

	var out []string
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read log file: %w", err)
		}
		s.offset += int64(len(line))
		out = append(out, string(bytes.TrimRight(line, "\r\n")))
	}
}
