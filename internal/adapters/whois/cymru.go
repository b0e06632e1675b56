package whois

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

const (
	DefaultCymruAddr = "whois.cymru.com:43"
	maxWhoisResponse = 64 * 1024
)

var (
	ErrNoRange         = errors.New("no announced range")
	ErrMalformedAnswer = errors.New("malformed whois answer")
)

// CymruClient queries the Team Cymru IP-to-ASN WHOIS service, which answers
// with the announced BGP prefix and the registry country code.
type CymruClient struct {
	addr   string
	dialer net.Dialer
}

func NewCymruClient(addr string) *CymruClient {
	if addr == "" {
		addr = DefaultCymruAddr
	}
	return &CymruClient{addr: addr}
}

func (c *CymruClient) Name() string { return "cymru" }

func (c *CymruClient) Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, " -v %s\r\n", addr.Unmap()); err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("write query: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(conn, maxWhoisResponse))
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("read answer: %w", err)
	}

	answer, err := ParseCymruAnswer(string(body))
	if err != nil {
		return domain.WhoisAnswer{}, err
	}
	answer.Source = c.Name()
	return answer, nil
}

// ParseCymruAnswer reads the verbose pipe-separated format:
//
//	AS      | IP               | BGP Prefix          | CC | Registry | Allocated  | AS Name
//	23028   | 216.90.108.31    | 216.90.108.0/24     | US | arin     | 1998-09-25 | TEAM-CYMRU, US
//
// Every data row contributes its prefix; the country comes from the first
// row. Rows with an unannounced prefix ("NA") are skipped.
func ParseCymruAnswer(body string) (domain.WhoisAnswer, error) {
	var answer domain.WhoisAnswer
	rows := 0

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "AS ") || strings.HasPrefix(line, "Bulk mode") || strings.HasPrefix(line, "Error") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		rows++

		cc := strings.ToUpper(strings.TrimSpace(fields[3]))
		if answer.Country == "" && cc != "" {
			answer.Country = cc
		}

		raw := strings.TrimSpace(fields[2])
		if raw == "" || strings.EqualFold(raw, "NA") {
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			continue
		}
		answer.Ranges = append(answer.Ranges, p.Masked())
	}

	if rows == 0 {
		return domain.WhoisAnswer{}, ErrMalformedAnswer
	}
	if len(answer.Ranges) == 0 {
		return answer, ErrNoRange
	}
	return answer, nil
}
