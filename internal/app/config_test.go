package app

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(newTestViper())
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Source.Type)
	assert.Equal(t, DefaultLookback, cfg.Source.Lookback)
	assert.Equal(t, int64(2000), cfg.Detection.BytesSentLimit)
	assert.Equal(t, 3, cfg.Detection.BanThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Detection.InactivityWindow)
	assert.Equal(t, []int{200}, cfg.Detection.SuccessStatus)
	assert.Empty(t, cfg.Detection.Ports)
	assert.Equal(t, "cymru", cfg.Whois.Provider)
	assert.Equal(t, 10, cfg.Whois.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Whois.CacheTTL)
	assert.Equal(t, "ES", cfg.Grouping.HomeCountry)
	assert.Equal(t, DefaultInterval, cfg.Interval)

	th := cfg.Thresholds()
	assert.Equal(t, DefaultThresholds(), th)
}

func TestLoadConfigOverrides(t *testing.T) {
	v := newTestViper()
	v.Set("source.type", "Command")
	v.Set("source.command", "kubectl logs deploy/ingress --since-time={since}")
	v.Set("detection.ports", []int{443, 8443})
	v.Set("grouping.home_country", "pt")
	v.Set("store.type", "redis")

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "command", cfg.Source.Type)
	assert.Equal(t, []uint16{443, 8443}, cfg.Detection.Ports)
	assert.Equal(t, "PT", cfg.Grouping.HomeCountry)
	assert.Equal(t, "redis", cfg.Store.Type)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		key   string
		value interface{}
		field string
	}{
		{"source.type", "socket", "source.type"},
		{"source.type", "command", "source.command"},
		{"detection.ban_threshold", 0, "detection.ban_threshold"},
		{"detection.bytes_sent_limit", -1, "detection.bytes_sent_limit"},
		{"detection.ports", []int{70000}, "detection.ports"},
		{"whois.provider", "arin", "whois.provider"},
		{"whois.workers", 0, "whois.workers"},
		{"grouping.home_country", "SPAIN", "grouping.home_country"},
		{"grouping.min_members", 0, "grouping.min_members"},
		{"store.type", "etcd", "store.type"},
		{"engine.interval", "100ms", "engine.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			v := newTestViper()
			v.Set(tt.key, tt.value)

			_, err := LoadConfig(v)
			var cve *ConfigValidationError
			require.True(t, errors.As(err, &cve), "expected ConfigValidationError, got %v", err)
			assert.Equal(t, tt.field, cve.Field)
		})
	}
}

func TestConfigValidationErrorMessage(t *testing.T) {
	err := &ConfigValidationError{Field: "whois.workers", Value: 512, Reason: "must be between 1 and 256"}
	assert.Equal(t, "config validation error: whois.workers = 512 - must be between 1 and 256", err.Error())
}

type thresholdRecorder struct {
	got []Thresholds
}

func (r *thresholdRecorder) SetThresholds(t Thresholds) { r.got = append(r.got, t) }

func TestHotReloadAppliesValidThresholds(t *testing.T) {
	v := newTestViper()
	sink := &thresholdRecorder{}
	h := NewHotReloadConfig(v, sink)

	v.Set("detection.ban_threshold", 5)
	v.Set("grouping.min_members", 10)
	require.True(t, h.Reload())
	require.Len(t, sink.got, 1)
	assert.Equal(t, 5, sink.got[0].BanThreshold)
	assert.Equal(t, 10, sink.got[0].MinMembers)

	v.Set("detection.ban_threshold", -1)
	assert.False(t, h.Reload())
	assert.Len(t, sink.got, 1, "invalid config keeps running thresholds")
}
