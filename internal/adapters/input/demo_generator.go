package input

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DemoRole says what kind of traffic a demo network produces.
type DemoRole int

const (
	RoleClient DemoRole = iota
	RoleScanner
)

// DemoNetwork is one synthetic network the demo source draws addresses from.
type DemoNetwork struct {
	Prefix  netip.Prefix
	Country string
	Role    DemoRole
	Hosts   int
}

// DemoNetworks is the synthetic address plan: home-country clients opening
// real sessions, a few foreign scanner networks, and a home-country scanner
// network that must never be collapsed.
var DemoNetworks = []DemoNetwork{
	{Prefix: netip.MustParsePrefix("198.51.100.0/24"), Country: "ES", Role: RoleClient, Hosts: 40},
	{Prefix: netip.MustParsePrefix("192.0.2.0/24"), Country: "ES", Role: RoleClient, Hosts: 20},
	{Prefix: netip.MustParsePrefix("203.0.113.0/24"), Country: "CN", Role: RoleScanner, Hosts: 12},
	{Prefix: netip.MustParsePrefix("185.220.101.0/24"), Country: "DE", Role: RoleScanner, Hosts: 8},
	{Prefix: netip.MustParsePrefix("45.33.32.0/24"), Country: "US", Role: RoleScanner, Hosts: 2},
	{Prefix: netip.MustParsePrefix("100.64.10.0/24"), Country: "ES", Role: RoleScanner, Hosts: 6},
}

type DemoConfig struct {
	LinesPerCycle int
	ProbePercent  int
	Seed          int64
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		LinesPerCycle: 200,
		ProbePercent:  30,
		Seed:          1,
	}
}

// DemoSource produces synthetic stream-log lines for a dry run without a
// real gateway.
type DemoSource struct {
	cfg       DemoConfig
	now       func() time.Time
	mu        sync.Mutex
	rng       *rand.Rand
	last      time.Time
	generated atomic.Uint64

	clients  []netip.Addr
	scanners []netip.Addr
}

func NewDemoSource(cfg DemoConfig) *DemoSource {
	def := DefaultDemoConfig()
	if cfg.LinesPerCycle <= 0 {
		cfg.LinesPerCycle = def.LinesPerCycle
	}
	if cfg.ProbePercent <= 0 || cfg.ProbePercent > 100 {
		cfg.ProbePercent = def.ProbePercent
	}

	s := &DemoSource{
		cfg: cfg,
		now: time.Now,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, n := range DemoNetworks {
		pool := generateAddrPool(n.Prefix, n.Hosts)
		if n.Role == RoleScanner {
			s.scanners = append(s.scanners, pool...)
		} else {
			s.clients = append(s.clients, pool...)
		}
	}
	return s
}

// WithClock replaces the wall clock, for tests.
func (s *DemoSource) WithClock(now func() time.Time) *DemoSource {
	s.now = now
	return s
}

func (s *DemoSource) ReadNewRecords(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	from := since
	if s.last.After(from) {
		from = s.last
	}
	if !from.Before(now) {
		from = now.Add(-time.Second)
	}
	span := now.Sub(from)
	s.last = now

	lines := make([]string, 0, s.cfg.LinesPerCycle+1)
	lines = append(lines, fmt.Sprintf("I%s %s       7 controller.go:190] Configuration changes detected, backend reload required",
		from.Format("0102"), from.Format("15:04:05.000000")))

	for i := 0; i < s.cfg.LinesPerCycle; i++ {
		offset := time.Duration(int64(span) * int64(i+1) / int64(s.cfg.LinesPerCycle))
		lines = append(lines, s.generateLine(from.Add(offset)))
	}
	s.generated.Add(uint64(len(lines)))
	return lines, nil
}

func (s *DemoSource) generateLine(ts time.Time) string {
	var addr netip.Addr
	var recv, sent int
	var secs float64

	if s.rng.Intn(100) < s.cfg.ProbePercent {
		addr = s.scanners[s.rng.Intn(len(s.scanners))]
		recv = 20 + s.rng.Intn(600)
		sent = 20 + s.rng.Intn(1200)
		secs = float64(s.rng.Intn(900)) / 1000
	} else {
		addr = s.clients[s.rng.Intn(len(s.clients))]
		recv = 3000 + s.rng.Intn(500000)
		sent = 3000 + s.rng.Intn(2000000)
		secs = 5 + float64(s.rng.Intn(3600))
	}

	status := 200
	if s.rng.Intn(50) == 0 {
		status = 502
	}

	var b strings.Builder
	b.Grow(96)
	b.WriteByte('[')
	b.WriteString(addr.String())
	b.WriteString("] [")
	b.WriteString(ts.Format(streamTimeLayout))
	b.WriteString("] TCP ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(recv))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(sent))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(secs, 'f', 3, 64))
	return b.String()
}

func (s *DemoSource) Generated() uint64 {
	return s.generated.Load()
}

func generateAddrPool(prefix netip.Prefix, count int) []netip.Addr {
	addrs := make([]netip.Addr, 0, count)
	addr := prefix.Addr().Next()
	for len(addrs) < count && prefix.Contains(addr) {
		addrs = append(addrs, addr)
		addr = addr.Next()
	}
	return addrs
}
