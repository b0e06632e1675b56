// Package ports defines the primary and secondary port interfaces following
// hexagonal architecture (ports and adapters pattern).
//
// The engine in internal/app only depends on these interfaces. Concrete log
// sources, ban stores and WHOIS clients live in internal/adapters/.
package ports

import (
	"context"
	"time"
)

// LogSource supplies raw ingress log lines.
//
// Implementations:
//   - FileSource: follows a log file with nxadm/tail
//   - CommandSource: runs an external command (kubectl logs, journalctl)
//   - DemoSource: synthetic probe and session traffic
//
// Thread Safety: the engine calls ReadNewRecords from one goroutine at a
// time. Implementations need not support concurrent calls.
type LogSource interface {
	// ReadNewRecords returns the lines produced since the given time, in
	// source order. Lines may be returned more than once across calls; the
	// engine drops records older than since.
	//
	// Returns:
	//   - nil slice and nil error when there is nothing new
	//   - an error when the source is unavailable (treated as no new data)
	ReadNewRecords(ctx context.Context, since time.Time) ([]string, error)
}
