package whois

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

const cymruSample = `AS      | IP               | BGP Prefix          | CC | Registry | Allocated  | AS Name
4134    | 203.0.113.7      | 203.0.113.0/24      | cn | apnic    | 2002-10-10 | CHINANET-BACKBONE, CN
`

func TestParseCymruAnswer(t *testing.T) {
	answer, err := ParseCymruAnswer(cymruSample)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}, answer.Ranges)
	assert.Equal(t, "CN", answer.Country)

	answer, err = ParseCymruAnswer("AS | IP | BGP Prefix | CC | Registry | Allocated | AS Name\nNA | 192.0.2.1 | NA | | other | | NA\n")
	assert.ErrorIs(t, err, ErrNoRange)
	assert.Empty(t, answer.Ranges)

	_, err = ParseCymruAnswer("garbage\n")
	assert.ErrorIs(t, err, ErrMalformedAnswer)
}

func TestCymruClientOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	queries := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		queries <- line
		_, _ = conn.Write([]byte(cymruSample))
	}()

	client := NewCymruClient(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	answer, err := client.Lookup(ctx, netip.MustParseAddr("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, " -v 203.0.113.7\r\n", <-queries)
	assert.Equal(t, "cymru", answer.Source)
	assert.Equal(t, "CN", answer.Country)
	assert.Len(t, answer.Ranges, 1)
}

func TestCymruClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewCymruClient(addr).Lookup(context.Background(), netip.MustParseAddr("203.0.113.7"))
	assert.Error(t, err)
}

func TestParseRDAPNetwork(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		country string
		wantErr error
	}{
		{
			name:    "cidr0 extension",
			body:    `{"startAddress":"203.0.113.0","endAddress":"203.0.113.255","country":"cn","cidr0_cidrs":[{"v4prefix":"203.0.113.0","length":24}]}`,
			want:    []string{"203.0.113.0/24"},
			country: "CN",
		},
		{
			name:    "range decomposed",
			body:    `{"startAddress":"192.0.2.0","endAddress":"192.0.3.127","country":"DE"}`,
			want:    []string{"192.0.2.0/24", "192.0.3.0/25"},
			country: "DE",
		},
		{
			name: "ipv6 cidr0",
			body: `{"startAddress":"2001:db8::","endAddress":"2001:db8:ffff:ffff:ffff:ffff:ffff:ffff","cidr0_cidrs":[{"v6prefix":"2001:db8::","length":32}]}`,
			want: []string{"2001:db8::/32"},
		},
		{
			name:    "bad json",
			body:    `{"startAddress":`,
			wantErr: ErrMalformedAnswer,
		},
		{
			name:    "reversed range",
			body:    `{"startAddress":"192.0.3.0","endAddress":"192.0.2.0"}`,
			wantErr: ErrMalformedAnswer,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			answer, err := ParseRDAPNetwork([]byte(tc.body))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			got := make([]string, 0, len(answer.Ranges))
			for _, p := range answer.Ranges {
				got = append(got, p.String())
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.country, answer.Country)
		})
	}
}

func TestRDAPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ip/203.0.113.7":
			w.Header().Set("Content-Type", "application/rdap+json")
			_, _ = w.Write([]byte(`{"startAddress":"203.0.113.0","endAddress":"203.0.113.255","country":"CN"}`))
		case "/ip/192.0.2.1":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewRDAPClient(srv.URL+"/", srv.Client())

	answer, err := client.Lookup(context.Background(), netip.MustParseAddr("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}, answer.Ranges)
	assert.Equal(t, "rdap", answer.Source)

	_, err = client.Lookup(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.Error(t, err)

	_, err = client.Lookup(context.Background(), netip.MustParseAddr("198.51.100.1"))
	assert.ErrorIs(t, err, ErrNoRange)
}

type scriptedClient struct {
	name   string
	answer domain.WhoisAnswer
	err    error
	calls  int
}

func (s *scriptedClient) Name() string { return s.name }

func (s *scriptedClient) Lookup(context.Context, netip.Addr) (domain.WhoisAnswer, error) {
	s.calls++
	return s.answer, s.err
}

func TestChainClient(t *testing.T) {
	failing := &scriptedClient{name: "a", err: errors.New("timeout")}
	empty := &scriptedClient{name: "b"}
	good := &scriptedClient{name: "c", answer: domain.WhoisAnswer{
		Ranges:  []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
		Country: "CN",
	}}
	never := &scriptedClient{name: "d"}

	chain := NewChainClient(failing, empty, good, never)
	assert.Equal(t, "chain(a,b,c,d)", chain.Name())

	answer, err := chain.Lookup(context.Background(), netip.MustParseAddr("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, "c", answer.Source)
	assert.Zero(t, never.calls)

	_, err = NewChainClient(failing, empty).Lookup(context.Background(), netip.MustParseAddr("203.0.113.7"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRange)

	_, err = NewChainClient().Lookup(context.Background(), netip.MustParseAddr("203.0.113.7"))
	assert.ErrorIs(t, err, ErrNoClients)
}

func TestStaticClient(t *testing.T) {
	client := NewStaticClient(domain.RangeInfo{Range: netip.MustParsePrefix("203.0.113.0/24"), Country: "CN"})

	answer, err := client.Lookup(context.Background(), netip.MustParseAddr("203.0.113.50"))
	require.NoError(t, err)
	assert.Equal(t, "CN", answer.Country)

	_, err = client.Lookup(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.ErrorIs(t, err, ErrNoRange)
}

func TestOpenGeoLiteMissingDatabase(t *testing.T) {
	_, err := OpenGeoLite("/nonexistent/GeoLite2-ASN.mmdb", "")
	assert.Error(t, err)
}
