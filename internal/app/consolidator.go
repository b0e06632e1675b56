package app

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

const DefaultMinMembers = 3

// ConsolidatorConfig controls when host routes collapse into a range.
type ConsolidatorConfig struct {
	HomeCountry string
	MinMembers  int
}

// Consolidator folds host-route bans into network ranges where the volume
// of offenders from one foreign range justifies it.
//
// Grouping rule, per resolved range:
//   - a fallback range never groups; its members stay host routes
//   - a range registered outside the home country with more than MinMembers
//     members replaces them
//   - anything else keeps each member as a host route
//
// Existing range entries pass through untouched and absorb every host route
// they cover, which makes the output a fixed point of the function.
type Consolidator struct {
	resolver  ports.RangeResolver
	whitelist ports.WhitelistChecker
	cfg       ConsolidatorConfig
}

func NewConsolidator(resolver ports.RangeResolver, whitelist ports.WhitelistChecker, cfg ConsolidatorConfig) *Consolidator {
	if cfg.MinMembers <= 0 {
		cfg.MinMembers = DefaultMinMembers
	}
	cfg.HomeCountry = strings.ToUpper(strings.TrimSpace(cfg.HomeCountry))
	return &Consolidator{resolver: resolver, whitelist: whitelist, cfg: cfg}
}

// SetMinMembers changes the grouping threshold. Not safe to call during
// Consolidate; the engine calls it between cycles.
func (c *Consolidator) SetMinMembers(n int) {
	if n > 0 {
		c.cfg.MinMembers = n
	}
}

type rangeGroup struct {
	info    domain.RangeInfo
	members []netip.Addr
}

// Consolidate computes the new ban set from the existing set and the newly
// promoted addresses. The only error is cancellation of the resolution
// barrier, in which case no entries are returned.
func (c *Consolidator) Consolidate(ctx context.Context, existing []domain.BanEntry, promoted []netip.Addr) ([]domain.BanEntry, error) {
	var ranges []domain.BanEntry
	hostSet := make(map[netip.Addr]struct{}, len(existing)+len(promoted))
	for _, e := range existing {
		if !e.Prefix.IsValid() {
			continue
		}
		if e.IsHostRoute() {
			hostSet[e.Addr()] = struct{}{}
			continue
		}
		ranges = append(ranges, domain.RangeEntry(e.Prefix))
	}
	for _, a := range promoted {
		if a.IsValid() {
			hostSet[a.Unmap()] = struct{}{}
		}
	}

	candidates := make([]netip.Addr, 0, len(hostSet))
	for addr := range hostSet {
		if coveredByAny(ranges, addr) {
			continue
		}
		if c.whitelist != nil && c.whitelist.IsWhitelisted(addr) {
			log.Warn().Str("addr", addr.String()).Msg("Dropping whitelisted address from ban set")
			continue
		}
		candidates = append(candidates, addr)
	}
	slices.SortFunc(candidates, netip.Addr.Compare)

	var resolved map[netip.Addr]domain.RangeInfo
	if len(candidates) > 0 {
		var err error
		resolved, err = c.resolver.ResolveAll(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("resolve ranges: %w", err)
		}
	}

	groups := make(map[netip.Prefix]*rangeGroup)
	order := make([]netip.Prefix, 0)
	for _, addr := range candidates {
		info, ok := resolved[addr]
		if !ok {
			info = domain.SelfRange(addr, c.cfg.HomeCountry)
		}
		key := info.Range.Masked()
		g, ok := groups[key]
		if !ok {
			g = &rangeGroup{info: info}
			groups[key] = g
			order = append(order, key)
		}
		if info.Fallback {
			g.info.Fallback = true
		}
		g.members = append(g.members, addr)
	}

	out := domain.NewBanSet(ranges...)
	for _, key := range order {
		g := groups[key]
		if c.collapses(g) {
			log.Info().
				Str("range", key.String()).
				Str("country", g.info.Country).
				Int("members", len(g.members)).
				Msg("Collapsed host routes into range")
			out.Add(domain.RangeEntry(key))
			continue
		}
		for _, m := range g.members {
			out.Add(domain.HostRoute(m))
		}
	}

	return out.Sorted(), nil
}

func (c *Consolidator) collapses(g *rangeGroup) bool {
	if g.info.Fallback || g.info.IsSingleton() {
		return false
	}
	country := strings.ToUpper(strings.TrimSpace(g.info.Country))
	if country == "" || country == c.cfg.HomeCountry {
		return false
	}
	return len(g.members) > c.cfg.MinMembers
}

func coveredByAny(ranges []domain.BanEntry, addr netip.Addr) bool {
	for _, r := range ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}
