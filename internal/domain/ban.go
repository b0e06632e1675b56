package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// ErrInvalidBanEntry is returned when a ban entry cannot be parsed.
var ErrInvalidBanEntry = errors.New("invalid ban entry")

// BanEntry is either a host route (/32 or /128) or a network range. The
// prefix is always stored masked.
type BanEntry struct {
	Prefix netip.Prefix
}

// HostRoute returns the host-route ban entry for addr.
func HostRoute(addr netip.Addr) BanEntry {
	addr = addr.Unmap()
	return BanEntry{Prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

// RangeEntry returns a ban entry for the masked form of p.
func RangeEntry(p netip.Prefix) BanEntry {
	return BanEntry{Prefix: p.Masked()}
}

// ParseBanEntry accepts "a.b.c.d", "a.b.c.d/n" and their IPv6 forms.
func ParseBanEntry(s string) (BanEntry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return BanEntry{}, ErrInvalidBanEntry
	}
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return BanEntry{}, fmt.Errorf("%w: %q", ErrInvalidBanEntry, s)
		}
		return HostRoute(addr), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return BanEntry{}, fmt.Errorf("%w: %q", ErrInvalidBanEntry, s)
	}
	if p.Addr().Is4In6() {
		bits := p.Bits() - 96
		if bits < 0 {
			return BanEntry{}, fmt.Errorf("%w: %q", ErrInvalidBanEntry, s)
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), bits)
	}
	return RangeEntry(p), nil
}

// IsHostRoute reports whether the entry covers exactly one address.
func (e BanEntry) IsHostRoute() bool {
	return e.Prefix.IsValid() && e.Prefix.IsSingleIP()
}

// Addr returns the network address of the entry.
func (e BanEntry) Addr() netip.Addr {
	return e.Prefix.Addr()
}

// Contains reports whether addr falls inside the entry.
func (e BanEntry) Contains(addr netip.Addr) bool {
	return e.Prefix.Contains(addr.Unmap())
}

// String renders the entry in CIDR notation, host routes included.
func (e BanEntry) String() string {
	return e.Prefix.String()
}

// MarshalText implements encoding.TextMarshaler.
func (e BanEntry) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *BanEntry) UnmarshalText(text []byte) error {
	parsed, err := ParseBanEntry(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// CompareBanEntries orders entries by address, then by prefix length.
func CompareBanEntries(a, b BanEntry) int {
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c
	}
	return a.Prefix.Bits() - b.Prefix.Bits()
}

// BanSet is an order-irrelevant set of ban entries.
type BanSet map[BanEntry]struct{}

// NewBanSet builds a set from entries, dropping invalid ones.
func NewBanSet(entries ...BanEntry) BanSet {
	s := make(BanSet, len(entries))
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

// Add inserts e in masked form.
func (s BanSet) Add(e BanEntry) {
	if !e.Prefix.IsValid() {
		return
	}
	s[BanEntry{Prefix: e.Prefix.Masked()}] = struct{}{}
}

// Has reports exact membership of e.
func (s BanSet) Has(e BanEntry) bool {
	_, ok := s[BanEntry{Prefix: e.Prefix.Masked()}]
	return ok
}

// ContainsHost reports whether the host route of addr is in the set.
func (s BanSet) ContainsHost(addr netip.Addr) bool {
	return s.Has(HostRoute(addr))
}

// Covers reports whether any entry in the set contains addr.
func (s BanSet) Covers(addr netip.Addr) bool {
	for e := range s {
		if e.Contains(addr) {
			return true
		}
	}
	return false
}

// Equal reports whether both sets hold exactly the same entries.
func (s BanSet) Equal(other BanSet) bool {
	if len(s) != len(other) {
		return false
	}
	for e := range s {
		if _, ok := other[e]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the entries in deterministic order.
func (s BanSet) Sorted() []BanEntry {
	out := make([]BanEntry, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	slices.SortFunc(out, CompareBanEntries)
	return out
}

// Clone returns an independent copy.
func (s BanSet) Clone() BanSet {
	out := make(BanSet, len(s))
	for e := range s {
		out[e] = struct{}{}
	}
	return out
}

// BanDiff lists the entries a write would add and remove.
type BanDiff struct {
	Added   []BanEntry `json:"added"`
	Removed []BanEntry `json:"removed"`
}

// Empty reports whether the diff changes nothing.
func (d BanDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff computes the change from current to desired.
func Diff(current, desired BanSet) BanDiff {
	var d BanDiff
	for e := range desired {
		if !current.Has(e) {
			d.Added = append(d.Added, e)
		}
	}
	for e := range current {
		if !desired.Has(e) {
			d.Removed = append(d.Removed, e)
		}
	}
	slices.SortFunc(d.Added, CompareBanEntries)
	slices.SortFunc(d.Removed, CompareBanEntries)
	return d
}

// SortedEntries returns a sorted, deduplicated copy of entries.
func SortedEntries(entries []BanEntry) []BanEntry {
	return NewBanSet(entries...).Sorted()
}
