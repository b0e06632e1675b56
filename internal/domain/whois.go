package domain

import "net/netip"

// SourceFallback tags range information synthesized locally after a failed
// or unusable lookup.
const SourceFallback = "fallback"

// RangeInfo is the owning network range and registrant country of an
// address.
type RangeInfo struct {
	Range    netip.Prefix `json:"range"`
	Country  string       `json:"country"`
	Source   string       `json:"source,omitempty"`
	Fallback bool         `json:"fallback,omitempty"`
}

// SelfRange returns the singleton range an address falls back to.
func SelfRange(addr netip.Addr, country string) RangeInfo {
	return RangeInfo{
		Range:    HostRoute(addr).Prefix,
		Country:  country,
		Source:   SourceFallback,
		Fallback: true,
	}
}

// IsSingleton reports whether the range covers only one address.
func (r RangeInfo) IsSingleton() bool {
	return r.Range.IsSingleIP()
}

// WhoisAnswer is a lookup answer decomposed into CIDR blocks, in the order
// the registry returned them.
type WhoisAnswer struct {
	Ranges  []netip.Prefix `json:"ranges"`
	Country string         `json:"country"`
	Source  string         `json:"source"`
}

// Containing returns the most specific block that contains addr. Among
// blocks of equal length the earliest wins.
func (a WhoisAnswer) Containing(addr netip.Addr) (netip.Prefix, bool) {
	var best netip.Prefix
	found := false
	for _, p := range a.Ranges {
		if p.Contains(addr) && (!found || p.Bits() > best.Bits()) {
			best = p
			found = true
		}
	}
	return best, found
}
