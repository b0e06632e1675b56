package input

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

var ErrSourceNotStarted = errors.New("log source not started")

// FileSourceConfig configures a FileSource.
type FileSourceConfig struct {
	Path          string
	BufferSize    int
	FromBeginning bool
	Poll          bool
}

// FileSource follows a log file and buffers its lines between cycles. When
// the buffer is full the newest lines are dropped and counted.
type FileSource struct {
	cfg      FileSourceConfig
	lines    chan string
	tail     *tail.Tail
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	dropped  atomic.Uint64
}

func NewFileSource(cfg FileSourceConfig) *FileSource {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	return &FileSource{
		cfg:      cfg,
		lines:    make(chan string, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}
}

// SetFromBeginning selects reading the whole file instead of only new
// lines. It has no effect once started.
func (s *FileSource) SetFromBeginning(v bool) {
	s.mu.Lock()
	s.cfg.FromBeginning = v
	s.mu.Unlock()
}

func (s *FileSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	whence := 2
	if s.cfg.FromBeginning {
		whence = 0
	}

	t, err := tail.TailFile(s.cfg.Path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      s.cfg.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		log.Error().Err(err).Str("file", s.cfg.Path).Msg("Failed to tail file")
		return err
	}
	s.tail = t
	s.running = true
	s.stopChan = make(chan struct{})

	log.Info().Str("file", s.cfg.Path).Bool("from_beginning", s.cfg.FromBeginning).Msg("Started tailing log file")
	go s.follow(ctx, t, s.stopChan)
	return nil
}

func (s *FileSource) follow(ctx context.Context, t *tail.Tail, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping tailer")
			return
		case <-stop:
			return
		case line, ok := <-t.Lines:
			if !ok {
				log.Info().Msg("Tail channel closed")
				return
			}
			if line.Err != nil {
				log.Warn().Err(line.Err).Msg("Error reading line")
				continue
			}
			if line.Text == "" {
				continue
			}
			if len(line.Text) > domain.MaxLineLength {
				log.Warn().
					Int("original_size", len(line.Text)).
					Int("limit", domain.MaxLineLength).
					Msg("Dropped oversized log line")
				continue
			}

			select {
			case s.lines <- line.Text:
			default:
				if s.dropped.Add(1)%1000 == 1 {
					log.Warn().Uint64("dropped", s.dropped.Load()).Msg("Line buffer full, dropping lines")
				}
			}
		}
	}
}

// ReadNewRecords drains whatever the follower buffered since the last call.
// It never blocks. since is not used: the engine filters stale records.
func (s *FileSource) ReadNewRecords(ctx context.Context, _ time.Time) ([]string, error) {
	if !s.IsRunning() {
		return nil, ErrSourceNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []string
	for {
		select {
		case line := <-s.lines:
			out = append(out, line)
		default:
			return out, nil
		}
	}
}

func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	close(s.stopChan)
	s.running = false

	if s.tail != nil {
		return s.tail.Stop()
	}
	return nil
}

func (s *FileSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Dropped returns the number of lines discarded because the buffer was full.
func (s *FileSource) Dropped() uint64 {
	return s.dropped.Load()
}
