// Package output provides the cycle observers of rangeban.
//
// This file implements the decision log:
// EventLog writes one JSON object per engine decision, to stdout or a
// rotated file.
//
// Thread Safety: every observer is safe for concurrent use.
package output

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// EventLog writes the events of every cycle as JSON lines.
type EventLog struct {
	bufWriter *bufio.Writer
	closer    io.Closer
	encoder   *json.Encoder
	mu        sync.Mutex
	stopFlush chan struct{}
	stopOnce  sync.Once
	written   int64
}

// EventLogConfig configures EventLog.
type EventLogConfig struct {
	FilePath   string // Rotated with lumberjack when set
	Stdout     bool   // Takes precedence over FilePath
	MaxSizeMB  int
	MaxBackups int
}

// NewEventLog opens the configured destination. Without one events are
// discarded.
func NewEventLog(config EventLogConfig) *EventLog {
	var writer io.Writer
	var closer io.Closer

	switch {
	case config.Stdout:
		writer = os.Stdout
	case config.FilePath != "":
		if config.MaxSizeMB <= 0 {
			config.MaxSizeMB = 50
		}
		lj := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		}
		writer, closer = lj, lj
	default:
		writer = io.Discard
	}
	return newEventLog(writer, closer)
}

func newEventLog(w io.Writer, closer io.Closer) *EventLog {
	const bufferSize = 64 * 1024
	bufWriter := bufio.NewWriterSize(w, bufferSize)

	l := &EventLog{
		bufWriter: bufWriter,
		closer:    closer,
		encoder:   json.NewEncoder(bufWriter),
		stopFlush: make(chan struct{}),
	}
	go l.periodicFlush()
	return l
}

func (l *EventLog) periodicFlush() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				log.Warn().Err(err).Msg("Failed to flush event log")
			}
		case <-l.stopFlush:
			return
		}
	}
}

// OnCycle implements ports.CycleObserver.
func (l *EventLog) OnCycle(r *domain.CycleReport) {
	events := domain.EventsFromReport(r)
	if len(events) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		if err := l.encoder.Encode(ev); err != nil {
			log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to write event")
			return
		}
		l.written++
	}
}

// Written returns the number of events encoded so far.
func (l *EventLog) Written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

func (l *EventLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bufWriter.Flush()
}

// Close stops periodic flushing, flushes and closes the destination.
func (l *EventLog) Close() error {
	l.stopOnce.Do(func() { close(l.stopFlush) })

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bufWriter.Flush(); err != nil {
		return err
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
