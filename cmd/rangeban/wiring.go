package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/adapters/detection"
	"github.com/xoelrdgz/rangeban/internal/adapters/input"
	"github.com/xoelrdgz/rangeban/internal/adapters/output"
	"github.com/xoelrdgz/rangeban/internal/adapters/state"
	"github.com/xoelrdgz/rangeban/internal/adapters/store"
	"github.com/xoelrdgz/rangeban/internal/adapters/whois"
	"github.com/xoelrdgz/rangeban/internal/app"
	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

// service is a fully wired engine plus everything that needs starting or
// closing around it.
type service struct {
	cfg      *app.Config
	engine   *app.Engine
	resolver *whois.Resolver
	store    ports.BanStore

	fileSource *input.FileSource
	closers    []func() error
}

func (r *service) Close() {
	if r.fileSource != nil {
		if err := r.fileSource.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop log follower")
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to close resource")
		}
	}
}

// runtimeSources exposes resolver and follower counters to the metrics
// exporter.
func (r *service) runtimeSources() output.RuntimeSources {
	src := output.RuntimeSources{
		Lookups:        func() uint64 { return r.resolver.Stats().Lookups },
		LookupFailures: func() uint64 { return r.resolver.Stats().Failures },
		CacheHits:      func() uint64 { return r.resolver.Stats().CacheHits },
		CacheEvictions: func() uint64 { return r.resolver.Stats().Evicted },
		CachedRanges:   func() int { return r.resolver.Stats().Cached },
	}
	if r.fileSource != nil {
		src.DroppedLines = r.fileSource.Dropped
	}
	return src
}

// buildService wires every component from cfg. oneShot selects a snapshot
// reader over the file follower.
func buildService(ctx context.Context, cfg *app.Config, oneShot bool) (*service, error) {
	rt := &service{cfg: cfg}

	source, err := rt.buildSource(cfg, oneShot)
	if err != nil {
		rt.Close()
		return nil, err
	}

	resolver, err := rt.buildResolver(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.resolver = resolver

	banStore, err := rt.buildStore(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = banStore

	var stateStore ports.StateStore
	if cfg.StatePath != "" && !oneShot {
		bs, err := state.OpenBoltState(cfg.StatePath)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, bs.Close)
		stateStore = bs
	}

	th := cfg.Thresholds()
	tracker := detection.NewTracker(th.Limits)
	whitelist := detection.NewWhitelist(th.Limits, tracker, cfg.Detection.WhitelistFile)
	extractor := input.NewRecordExtractor(input.ExtractorConfig{
		SuccessStatus: cfg.Detection.SuccessStatus,
		Ports:         cfg.Detection.Ports,
	})
	consolidator := app.NewConsolidator(resolver, whitelist, app.ConsolidatorConfig{
		HomeCountry: cfg.Grouping.HomeCountry,
		MinMembers:  cfg.Grouping.MinMembers,
	})

	rt.engine = app.NewEngine(app.EngineDeps{
		Source:       source,
		Store:        banStore,
		Extractor:    extractor,
		Whitelist:    whitelist,
		Tracker:      tracker,
		Consolidator: consolidator,
		State:        stateStore,
		Ranges:       resolver.Cache(),
	}, app.EngineConfig{
		Interval:         cfg.Interval,
		Lookback:         cfg.Source.Lookback,
		StrictInvariants: cfg.StrictInvariants,
		Thresholds:       th,
	})
	return rt, nil
}

func (rt *service) buildSource(cfg *app.Config, oneShot bool) (ports.LogSource, error) {
	switch cfg.Source.Type {
	case "demo":
		return input.NewDemoSource(input.DefaultDemoConfig()), nil
	case "command":
		src, err := input.NewCommandSource(cfg.Source.Command, cfg.Source.Timeout)
		if err != nil {
			return nil, fmt.Errorf("command source: %w", err)
		}
		return src, nil
	default:
		if oneShot {
			return input.NewSnapshotSource(cfg.Source.Path), nil
		}
		rt.fileSource = input.NewFileSource(input.FileSourceConfig{
			Path: cfg.Source.Path,
			Poll: cfg.Source.Poll,
		})
		return rt.fileSource, nil
	}
}

func (rt *service) buildResolver(cfg *app.Config) (*whois.Resolver, error) {
	client, err := rt.buildWhoisClient(cfg)
	if err != nil {
		return nil, err
	}
	cache := whois.NewRangeCache(cfg.Whois.CacheSize, cfg.Whois.CacheTTL)
	log.Debug().Str("provider", client.Name()).Int("workers", cfg.Whois.Workers).Msg("WHOIS resolver initialized")
	return whois.NewResolver(client, cache, whois.ResolverConfig{
		Workers:       cfg.Whois.Workers,
		Timeout:       cfg.Whois.Timeout,
		RatePerSecond: cfg.Whois.RatePerSecond,
		Burst:         cfg.Whois.Burst,
		HomeCountry:   cfg.Grouping.HomeCountry,
		MinPrefixBits: cfg.Whois.MinPrefixBits,
	}), nil
}

func (rt *service) buildWhoisClient(cfg *app.Config) (ports.WhoisClient, error) {
	if cfg.Source.Type == "demo" {
		networks := make([]domain.RangeInfo, 0, len(input.DemoNetworks))
		for _, n := range input.DemoNetworks {
			networks = append(networks, domain.RangeInfo{Range: n.Prefix, Country: n.Country})
		}
		return whois.NewStaticClient(networks...), nil
	}

	cymru := func() ports.WhoisClient { return whois.NewCymruClient(cfg.Whois.CymruAddr) }
	rdap := func() ports.WhoisClient {
		return whois.NewRDAPClient(cfg.Whois.RDAPURL, &http.Client{Timeout: cfg.Whois.Timeout})
	}
	geolite := func() (ports.WhoisClient, error) {
		c, err := whois.OpenGeoLite(cfg.Whois.GeoLiteASN, cfg.Whois.GeoLiteCountry)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, c.Close)
		return c, nil
	}

	switch cfg.Whois.Provider {
	case "rdap":
		return rdap(), nil
	case "geolite":
		return geolite()
	case "chain":
		clients := []ports.WhoisClient{}
		if cfg.Whois.GeoLiteASN != "" {
			g, err := geolite()
			if err != nil {
				return nil, err
			}
			clients = append(clients, g)
		}
		clients = append(clients, cymru(), rdap())
		return whois.NewChainClient(clients...), nil
	default:
		return cymru(), nil
	}
}

func (rt *service) buildStore(ctx context.Context, cfg *app.Config) (ports.BanStore, error) {
	switch cfg.Store.Type {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		s, err := store.OpenBoltStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil
	case "redis":
		s, err := store.DialRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisKey)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil
	case "networkpolicy":
		return store.NewNetworkPolicyStore(store.NetworkPolicyConfig{
			Path:         cfg.Store.Path,
			Name:         cfg.Store.PolicyName,
			Namespace:    cfg.Store.PolicyNamespace,
			ApplyCommand: cfg.Store.ApplyCommand,
		})
	default:
		return store.NewFileStore(cfg.Store.Path), nil
	}
}
