// Package store holds the BanStore adapters. Every adapter replaces the whole
// ban set on Set and leaves the previous set in place when Set fails.
package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// FileStore keeps one CIDR per line in a plain text file, the format nginx
// geo and ipset restore scripts read.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Get returns the stored set. A missing file is an empty set.
func (s *FileStore) Get(ctx context.Context) ([]domain.BanEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ban file: %w", err)
	}
	defer f.Close()

	entries, err := decodeEntries(f, s.path)
	if err != nil {
		return nil, fmt.Errorf("read ban file: %w", err)
	}
	return entries, nil
}

// Set writes entries to a temporary file next to the target and renames it
// into place.
func (s *FileStore) Set(ctx context.Context, entries []domain.BanEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRaw(encodeEntries(entries))
}

// writeRaw replaces the file with data. Callers hold whatever lock guards
// the file.
func (s *FileStore) writeRaw(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ban file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp ban file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp ban file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp ban file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ban file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp ban file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace ban file: %w", err)
	}
	return nil
}

func encodeEntries(entries []domain.BanEntry) []byte {
	var buf bytes.Buffer
	for _, e := range domain.SortedEntries(entries) {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func decodeEntries(r io.Reader, name string) ([]domain.BanEntry, error) {
	var out []domain.BanEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := domain.ParseBanEntry(line)
		if err != nil {
			log.Warn().Str("file", name).Int("line", lineNo).Msg("Skipping invalid ban entry")
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
