package ports

import (
	"context"
	"net/netip"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// WhoisClient answers ownership lookups for one address.
//
// Implementations:
//   - CymruClient: Team Cymru IP-to-ASN over TCP/43
//   - RDAPClient: RDAP /ip/<addr> over HTTPS
//   - GeoLiteClient: offline GeoLite2 ASN and Country databases
//   - ChainClient: first successful answer of several clients
//
// Thread Safety: Implementations MUST be safe for concurrent Lookup calls.
// The resolver fans lookups out over a bounded pool.
type WhoisClient interface {
	// Lookup returns the registered blocks and country for addr. An answer
	// with no blocks is valid; the resolver falls back for it.
	Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error)

	// Name identifies the client in logs and RangeInfo.Source.
	Name() string
}

// RangeResolver maps addresses to their owning network range.
type RangeResolver interface {
	// ResolveAll resolves every address. On cancellation it returns the
	// context error and no result.
	ResolveAll(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]domain.RangeInfo, error)
}

// RangeSnapshotter exposes the learned ranges for persistence.
type RangeSnapshotter interface {
	Entries() []domain.RangeInfo
	Restore(infos []domain.RangeInfo)
}
