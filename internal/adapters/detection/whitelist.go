package detection

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go4.org/netipx"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

// ReasonSession marks addresses whitelisted for opening a real session.
const ReasonSession = "session"

// Whitelist combines the permanent dynamic whitelist of addresses that
// opened a real session with an optional static CIDR list read from a file.
type Whitelist struct {
	mu      sync.RWMutex
	dynamic map[netip.Addr]domain.WhitelistEntry
	added   []netip.Addr
	limits  domain.TransferLimits

	forgetter ports.Forgetter

	staticPath  string
	static      atomic.Pointer[netipx.IPSet]
	staticMod   time.Time
	staticSize  int64
	staticCount int
}

// NewWhitelist creates a whitelist. forgetter is told about every newly
// whitelisted address so no tracking state survives for it; it may be nil.
// staticPath may be empty.
func NewWhitelist(limits domain.TransferLimits, forgetter ports.Forgetter, staticPath string) *Whitelist {
	w := &Whitelist{
		dynamic:    make(map[netip.Addr]domain.WhitelistEntry),
		limits:     limits,
		forgetter:  forgetter,
		staticPath: staticPath,
	}
	w.static.Store(&netipx.IPSet{})
	return w
}

// SetLimits replaces the session thresholds.
func (w *Whitelist) SetLimits(limits domain.TransferLimits) {
	w.mu.Lock()
	w.limits = limits
	w.mu.Unlock()
}

// Classify decides whether rec's source is a legitimate client. A record
// that exceeds both transfer limits whitelists its source permanently and
// removes it from the tracker.
func (w *Whitelist) Classify(rec domain.ConnectionRecord) domain.Verdict {
	addr := rec.SourceAddr.Unmap()

	w.mu.RLock()
	_, known := w.dynamic[addr]
	session := w.limits.IsSession(rec)
	w.mu.RUnlock()

	if known {
		return domain.VerdictWhitelist
	}
	if w.static.Load().Contains(addr) {
		return domain.VerdictWhitelist
	}
	if !session {
		return domain.VerdictPass
	}

	w.mu.Lock()
	if _, raced := w.dynamic[addr]; !raced {
		w.dynamic[addr] = domain.WhitelistEntry{Addr: addr, Since: rec.Timestamp, Reason: ReasonSession}
		w.added = append(w.added, addr)
	}
	w.mu.Unlock()

	if w.forgetter != nil && w.forgetter.Forget(addr) {
		log.Debug().Str("addr", addr.String()).Msg("Dropped tracking state for whitelisted address")
	}
	return domain.VerdictWhitelist
}

// IsWhitelisted reports whether addr is dynamically or statically
// whitelisted.
func (w *Whitelist) IsWhitelisted(addr netip.Addr) bool {
	addr = addr.Unmap()
	w.mu.RLock()
	_, ok := w.dynamic[addr]
	w.mu.RUnlock()
	return ok || w.static.Load().Contains(addr)
}

// IsDynamic reports whether addr is on the dynamic whitelist only.
func (w *Whitelist) IsDynamic(addr netip.Addr) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.dynamic[addr.Unmap()]
	return ok
}

// TakeAdded returns the addresses whitelisted since the previous call, in
// sorted order.
func (w *Whitelist) TakeAdded() []netip.Addr {
	w.mu.Lock()
	out := w.added
	w.added = nil
	w.mu.Unlock()
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.dynamic)
}

// StaticLen returns the number of entries read from the static file.
func (w *Whitelist) StaticLen() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.staticCount
}

// Entries returns the dynamic whitelist sorted by address.
func (w *Whitelist) Entries() []domain.WhitelistEntry {
	w.mu.RLock()
	out := make([]domain.WhitelistEntry, 0, len(w.dynamic))
	for _, e := range w.dynamic {
		out = append(out, e)
	}
	w.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.WhitelistEntry) int { return a.Addr.Compare(b.Addr) })
	return out
}

// Restore loads previously persisted dynamic entries.
func (w *Whitelist) Restore(entries []domain.WhitelistEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		if !e.Addr.IsValid() {
			continue
		}
		e.Addr = e.Addr.Unmap()
		w.dynamic[e.Addr] = e
	}
}

// ReloadStatic rereads the static file when its modification time or size
// changed. A missing file is an empty list. Invalid lines are skipped with a
// warning. It reports whether the list was replaced.
func (w *Whitelist) ReloadStatic() (bool, error) {
	if w.staticPath == "" {
		return false, nil
	}

	info, err := os.Stat(w.staticPath)
	if errors.Is(err, fs.ErrNotExist) {
		w.mu.Lock()
		changed := w.staticCount > 0 || !w.staticMod.IsZero()
		w.staticMod, w.staticSize, w.staticCount = time.Time{}, 0, 0
		w.mu.Unlock()
		if changed {
			w.static.Store(&netipx.IPSet{})
			log.Warn().Str("file", w.staticPath).Msg("Static whitelist file removed, list cleared")
		}
		return changed, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat whitelist file: %w", err)
	}

	w.mu.RLock()
	unchanged := info.ModTime().Equal(w.staticMod) && info.Size() == w.staticSize
	w.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	set, count, err := loadStaticWhitelist(w.staticPath)
	if err != nil {
		return false, err
	}
	w.static.Store(set)

	w.mu.Lock()
	w.staticMod, w.staticSize, w.staticCount = info.ModTime(), info.Size(), count
	w.mu.Unlock()

	purged := w.forgetStatic(set)
	log.Info().Str("file", w.staticPath).Int("entries", count).Int("purged", purged).Msg("Loaded static whitelist")
	return true, nil
}

type addrLister interface {
	Addrs() []netip.Addr
}

// forgetStatic drops the tracking state of every tracked address the static
// set now covers. It needs a forgetter that can list its addresses.
func (w *Whitelist) forgetStatic(set *netipx.IPSet) int {
	lister, ok := w.forgetter.(addrLister)
	if !ok {
		return 0
	}
	purged := 0
	for _, a := range lister.Addrs() {
		if set.Contains(a) && w.forgetter.Forget(a) {
			purged++
		}
	}
	return purged
}

func loadStaticWhitelist(path string) (*netipx.IPSet, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open whitelist file: %w", err)
	}
	defer f.Close()

	var b netipx.IPSetBuilder
	count := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := domain.ParseBanEntry(line)
		if err != nil {
			log.Warn().Str("file", path).Int("line", lineNo).Msg("Skipping invalid whitelist entry")
			continue
		}
		b.AddPrefix(entry.Prefix)
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read whitelist file: %w", err)
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, 0, fmt.Errorf("build whitelist set: %w", err)
	}
	return set, count, nil
}
