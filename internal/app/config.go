package app

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

type SourceConfig struct {
	Type     string
	Path     string
	Command  string
	Timeout  time.Duration
	Lookback time.Duration
	Poll     bool
}

type DetectionConfig struct {
	BytesSentLimit     int64
	BytesReceivedLimit int64
	BanThreshold       int
	InactivityWindow   time.Duration
	Ports              []uint16
	SuccessStatus      []int
	WhitelistFile      string
}

type WhoisConfig struct {
	Provider       string
	CymruAddr      string
	RDAPURL        string
	GeoLiteASN     string
	GeoLiteCountry string
	Workers        int
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	CacheSize      int
	CacheTTL       time.Duration
	MinPrefixBits  int
}

type GroupingConfig struct {
	HomeCountry string
	MinMembers  int
}

type StoreConfig struct {
	Type            string
	Path            string
	RedisAddr       string
	RedisKey        string
	PolicyName      string
	PolicyNamespace string
	ApplyCommand    string
}

type OutputConfig struct {
	MetricsEnabled bool
	MetricsPort    int
	EventsPath     string
	EventsStdout   bool
}

// Config is the typed view of every configuration key.
type Config struct {
	Source           SourceConfig
	Detection        DetectionConfig
	Whois            WhoisConfig
	Grouping         GroupingConfig
	Store            StoreConfig
	StatePath        string
	Interval         time.Duration
	StrictInvariants bool
	Output           OutputConfig
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.type", "file")
	v.SetDefault("source.path", "/var/log/nginx/stream.log")
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.lookback", DefaultLookback.String())
	v.SetDefault("source.poll", false)

	limits := domain.DefaultTransferLimits()
	v.SetDefault("detection.bytes_sent_limit", limits.BytesSent)
	v.SetDefault("detection.bytes_received_limit", limits.BytesReceived)
	v.SetDefault("detection.ban_threshold", DefaultBanThreshold)
	v.SetDefault("detection.inactivity_window", DefaultInactivityWindow.String())
	v.SetDefault("detection.ports", []int{})
	v.SetDefault("detection.success_status", []int{200})
	v.SetDefault("detection.whitelist_file", "")

	v.SetDefault("whois.provider", "cymru")
	v.SetDefault("whois.cymru_addr", "whois.cymru.com:43")
	v.SetDefault("whois.rdap_url", "https://rdap.org")
	v.SetDefault("whois.workers", 10)
	v.SetDefault("whois.timeout", "10s")
	v.SetDefault("whois.rate_per_second", 0)
	v.SetDefault("whois.burst", 1)
	v.SetDefault("whois.cache_size", 4096)
	v.SetDefault("whois.cache_ttl", "24h")
	v.SetDefault("whois.min_prefix_bits", 8)

	v.SetDefault("grouping.home_country", "ES")
	v.SetDefault("grouping.min_members", DefaultMinMembers)

	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "./blocklist.txt")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_key", "rangeban:blocklist")
	v.SetDefault("store.policy_name", "rangeban-deny")
	v.SetDefault("store.policy_namespace", "ingress-nginx")

	v.SetDefault("state.path", "")
	v.SetDefault("engine.interval", DefaultInterval.String())
	v.SetDefault("engine.strict_invariants", false)

	v.SetDefault("output.metrics.enabled", false)
	v.SetDefault("output.metrics.port", 9090)
	v.SetDefault("output.events.path", "")
	v.SetDefault("output.events.stdout", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
}

// LoadConfig reads the typed configuration from v and validates it.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Source: SourceConfig{
			Type:     strings.ToLower(v.GetString("source.type")),
			Path:     v.GetString("source.path"),
			Command:  v.GetString("source.command"),
			Timeout:  v.GetDuration("source.timeout"),
			Lookback: v.GetDuration("source.lookback"),
			Poll:     v.GetBool("source.poll"),
		},
		Detection: DetectionConfig{
			BytesSentLimit:     v.GetInt64("detection.bytes_sent_limit"),
			BytesReceivedLimit: v.GetInt64("detection.bytes_received_limit"),
			BanThreshold:       v.GetInt("detection.ban_threshold"),
			InactivityWindow:   v.GetDuration("detection.inactivity_window"),
			SuccessStatus:      v.GetIntSlice("detection.success_status"),
			WhitelistFile:      v.GetString("detection.whitelist_file"),
		},
		Whois: WhoisConfig{
			Provider:       strings.ToLower(v.GetString("whois.provider")),
			CymruAddr:      v.GetString("whois.cymru_addr"),
			RDAPURL:        v.GetString("whois.rdap_url"),
			GeoLiteASN:     v.GetString("whois.geolite_asn"),
			GeoLiteCountry: v.GetString("whois.geolite_country"),
			Workers:        v.GetInt("whois.workers"),
			Timeout:        v.GetDuration("whois.timeout"),
			RatePerSecond:  v.GetFloat64("whois.rate_per_second"),
			Burst:          v.GetInt("whois.burst"),
			CacheSize:      v.GetInt("whois.cache_size"),
			CacheTTL:       v.GetDuration("whois.cache_ttl"),
			MinPrefixBits:  v.GetInt("whois.min_prefix_bits"),
		},
		Grouping: GroupingConfig{
			HomeCountry: strings.ToUpper(v.GetString("grouping.home_country")),
			MinMembers:  v.GetInt("grouping.min_members"),
		},
		Store: StoreConfig{
			Type:            strings.ToLower(v.GetString("store.type")),
			Path:            v.GetString("store.path"),
			RedisAddr:       v.GetString("store.redis_addr"),
			RedisKey:        v.GetString("store.redis_key"),
			PolicyName:      v.GetString("store.policy_name"),
			PolicyNamespace: v.GetString("store.policy_namespace"),
			ApplyCommand:    v.GetString("store.apply_command"),
		},
		StatePath:        v.GetString("state.path"),
		Interval:         v.GetDuration("engine.interval"),
		StrictInvariants: v.GetBool("engine.strict_invariants"),
		Output: OutputConfig{
			MetricsEnabled: v.GetBool("output.metrics.enabled"),
			MetricsPort:    v.GetInt("output.metrics.port"),
			EventsPath:     v.GetString("output.events.path"),
			EventsStdout:   v.GetBool("output.events.stdout"),
		},
	}

	for _, p := range v.GetIntSlice("detection.ports") {
		if p < 1 || p > 65535 {
			return nil, &ConfigValidationError{Field: "detection.ports", Value: p, Reason: "must be between 1 and 65535"}
		}
		cfg.Detection.Ports = append(cfg.Detection.Ports, uint16(p))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case "file", "command", "demo":
	default:
		return &ConfigValidationError{Field: "source.type", Value: c.Source.Type, Reason: "must be file, command or demo"}
	}
	if c.Source.Type == "command" && strings.TrimSpace(c.Source.Command) == "" {
		return &ConfigValidationError{Field: "source.command", Value: c.Source.Command, Reason: "required for command source"}
	}
	if c.Source.Type == "file" && c.Source.Path == "" {
		return &ConfigValidationError{Field: "source.path", Value: c.Source.Path, Reason: "required for file source"}
	}

	if c.Detection.BytesSentLimit < 1 {
		return &ConfigValidationError{Field: "detection.bytes_sent_limit", Value: c.Detection.BytesSentLimit, Reason: "must be positive"}
	}
	if c.Detection.BytesReceivedLimit < 1 {
		return &ConfigValidationError{Field: "detection.bytes_received_limit", Value: c.Detection.BytesReceivedLimit, Reason: "must be positive"}
	}
	if c.Detection.BanThreshold < 1 {
		return &ConfigValidationError{Field: "detection.ban_threshold", Value: c.Detection.BanThreshold, Reason: "must be positive"}
	}
	if c.Detection.InactivityWindow <= 0 {
		return &ConfigValidationError{Field: "detection.inactivity_window", Value: c.Detection.InactivityWindow, Reason: "must be positive"}
	}

	switch c.Whois.Provider {
	case "cymru", "rdap", "geolite", "chain":
	default:
		return &ConfigValidationError{Field: "whois.provider", Value: c.Whois.Provider, Reason: "must be cymru, rdap, geolite or chain"}
	}
	if c.Whois.Workers < 1 || c.Whois.Workers > 256 {
		return &ConfigValidationError{Field: "whois.workers", Value: c.Whois.Workers, Reason: "must be between 1 and 256"}
	}
	if c.Whois.RatePerSecond < 0 {
		return &ConfigValidationError{Field: "whois.rate_per_second", Value: c.Whois.RatePerSecond, Reason: "must not be negative"}
	}
	if c.Whois.MinPrefixBits < 0 || c.Whois.MinPrefixBits > 32 {
		return &ConfigValidationError{Field: "whois.min_prefix_bits", Value: c.Whois.MinPrefixBits, Reason: "must be between 0 and 32"}
	}

	if len(c.Grouping.HomeCountry) != 2 {
		return &ConfigValidationError{Field: "grouping.home_country", Value: c.Grouping.HomeCountry, Reason: "must be an ISO 3166-1 alpha-2 code"}
	}
	if c.Grouping.MinMembers < 1 {
		return &ConfigValidationError{Field: "grouping.min_members", Value: c.Grouping.MinMembers, Reason: "must be positive"}
	}

	switch c.Store.Type {
	case "file", "bolt", "networkpolicy":
		if c.Store.Path == "" {
			return &ConfigValidationError{Field: "store.path", Value: c.Store.Path, Reason: "required for " + c.Store.Type + " store"}
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return &ConfigValidationError{Field: "store.redis_addr", Value: c.Store.RedisAddr, Reason: "required for redis store"}
		}
	case "memory":
	default:
		return &ConfigValidationError{Field: "store.type", Value: c.Store.Type, Reason: "must be file, bolt, redis, networkpolicy or memory"}
	}

	if c.Interval < time.Second {
		return &ConfigValidationError{Field: "engine.interval", Value: c.Interval, Reason: "must be at least 1s"}
	}
	if c.Output.MetricsEnabled && (c.Output.MetricsPort < 1 || c.Output.MetricsPort > 65535) {
		return &ConfigValidationError{Field: "output.metrics.port", Value: c.Output.MetricsPort, Reason: "must be between 1 and 65535"}
	}
	return nil
}

// Thresholds returns the hot-reloadable part of the configuration.
func (c *Config) Thresholds() Thresholds {
	return Thresholds{
		BanThreshold:     c.Detection.BanThreshold,
		InactivityWindow: c.Detection.InactivityWindow,
		Limits: domain.TransferLimits{
			BytesSent:     c.Detection.BytesSentLimit,
			BytesReceived: c.Detection.BytesReceivedLimit,
		},
		MinMembers: c.Grouping.MinMembers,
	}
}

type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}

// ThresholdSink receives reloaded thresholds.
type ThresholdSink interface {
	SetThresholds(Thresholds)
}

// HotReloadConfig watches the config file and pushes new thresholds to the
// engine. Keys outside Thresholds need a restart.
type HotReloadConfig struct {
	v    *viper.Viper
	sink ThresholdSink
	path string
	mu   sync.Mutex
}

func NewHotReloadConfig(v *viper.Viper, sink ThresholdSink) *HotReloadConfig {
	return &HotReloadConfig{v: v, sink: sink, path: v.ConfigFileUsed()}
}

func (h *HotReloadConfig) StartWatching() {
	if h.path == "" {
		log.Debug().Msg("No config file in use, hot-reload disabled")
		return
	}

	h.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed, reloading...")
		h.Reload()
	})
	h.v.WatchConfig()
	log.Info().Str("config", h.path).Msg("Hot-reload config watching started")
}

// Reload validates the current viper state and applies its thresholds. An
// invalid configuration is rejected and the running thresholds stay.
func (h *HotReloadConfig) Reload() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := LoadConfig(h.v)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration, rejecting reload")
		return false
	}
	h.sink.SetThresholds(cfg.Thresholds())
	log.Info().Msg("Configuration hot-reloaded successfully")
	return true
}
