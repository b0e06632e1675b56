package domain

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBanEntry(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		host    bool
		wantErr bool
	}{
		{input: "203.0.113.7", want: "203.0.113.7/32", host: true},
		{input: "203.0.113.7/32", want: "203.0.113.7/32", host: true},
		{input: " 198.51.100.0/24 ", want: "198.51.100.0/24"},
		{input: "198.51.100.9/24", want: "198.51.100.0/24"},
		{input: "2001:db8::1", want: "2001:db8::1/128", host: true},
		{input: "2001:db8::/32", want: "2001:db8::/32"},
		{input: "::ffff:203.0.113.7", want: "203.0.113.7/32", host: true},
		{input: "::ffff:198.51.100.0/120", want: "198.51.100.0/24"},
		{input: "", wantErr: true},
		{input: "not-an-ip", wantErr: true},
		{input: "10.0.0.0/33", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			entry, err := ParseBanEntry(tc.input)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBanEntry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, entry.String())
			assert.Equal(t, tc.host, entry.IsHostRoute())
		})
	}
}

func TestHostRouteUnmapsIPv4(t *testing.T) {
	mapped := netip.MustParseAddr("::ffff:192.0.2.1")
	assert.Equal(t, "192.0.2.1/32", HostRoute(mapped).String())
}

func TestBanSetOperations(t *testing.T) {
	host := HostRoute(netip.MustParseAddr("203.0.113.7"))
	rng := RangeEntry(netip.MustParsePrefix("198.51.100.0/24"))

	set := NewBanSet(host, rng, host)
	assert.Len(t, set, 2)
	assert.True(t, set.ContainsHost(netip.MustParseAddr("203.0.113.7")))
	assert.False(t, set.ContainsHost(netip.MustParseAddr("198.51.100.5")))
	assert.True(t, set.Covers(netip.MustParseAddr("198.51.100.5")))

	clone := set.Clone()
	assert.True(t, clone.Equal(set))
	clone.Add(HostRoute(netip.MustParseAddr("192.0.2.1")))
	assert.False(t, clone.Equal(set))
}

func TestBanSetSortedIsDeterministic(t *testing.T) {
	set := NewBanSet(
		HostRoute(netip.MustParseAddr("203.0.113.7")),
		RangeEntry(netip.MustParsePrefix("10.0.0.0/8")),
		HostRoute(netip.MustParseAddr("10.0.0.0")),
		RangeEntry(netip.MustParsePrefix("192.0.2.0/24")),
	)

	got := make([]string, 0, len(set))
	for _, e := range set.Sorted() {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{"10.0.0.0/8", "10.0.0.0/32", "192.0.2.0/24", "203.0.113.7/32"}, got)
}

func TestDiff(t *testing.T) {
	a := HostRoute(netip.MustParseAddr("192.0.2.1"))
	b := HostRoute(netip.MustParseAddr("192.0.2.2"))
	c := RangeEntry(netip.MustParsePrefix("198.51.100.0/24"))

	d := Diff(NewBanSet(a, b), NewBanSet(b, c))
	assert.Equal(t, []BanEntry{c}, d.Added)
	assert.Equal(t, []BanEntry{a}, d.Removed)
	assert.False(t, d.Empty())

	assert.True(t, Diff(NewBanSet(a), NewBanSet(a)).Empty())
}

func TestBanEntryJSON(t *testing.T) {
	entries := []BanEntry{
		HostRoute(netip.MustParseAddr("203.0.113.7")),
		RangeEntry(netip.MustParsePrefix("198.51.100.0/24")),
	}

	data, err := json.Marshal(entries)
	require.NoError(t, err)
	assert.JSONEq(t, `["203.0.113.7/32","198.51.100.0/24"]`, string(data))

	var decoded []BanEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, entries, decoded)
}
