package whois

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

const DefaultRDAPURL = "https://rdap.org"

type rdapNetwork struct {
	StartAddress string      `json:"startAddress"`
	EndAddress   string      `json:"endAddress"`
	IPVersion    string      `json:"ipVersion"`
	Country      string      `json:"country"`
	Cidr0        []rdapCidr0 `json:"cidr0_cidrs"`
}

type rdapCidr0 struct {
	V4Prefix string `json:"v4prefix"`
	V6Prefix string `json:"v6prefix"`
	Length   int    `json:"length"`
}

// RDAPClient looks addresses up with the RDAP /ip/ query. The bootstrap
// service at rdap.org redirects to the responsible registry.
type RDAPClient struct {
	baseURL string
	http    *http.Client
}

func NewRDAPClient(baseURL string, client *http.Client) *RDAPClient {
	if baseURL == "" {
		baseURL = DefaultRDAPURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RDAPClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (c *RDAPClient) Name() string { return "rdap" }

func (c *RDAPClient) Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error) {
	url := c.baseURL + "/ip/" + addr.Unmap().String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.WhoisAnswer{}, err
	}
	req.Header.Set("Accept", "application/rdap+json, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("rdap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.WhoisAnswer{}, ErrNoRange
	}
	if resp.StatusCode != http.StatusOK {
		return domain.WhoisAnswer{}, fmt.Errorf("rdap status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("read rdap body: %w", err)
	}

	answer, err := ParseRDAPNetwork(body)
	if err != nil {
		return domain.WhoisAnswer{}, err
	}
	answer.Source = c.Name()
	return answer, nil
}

// ParseRDAPNetwork decodes an RDAP ip network object. The cidr0 extension is
// used when present; otherwise the start..end range is decomposed into the
// minimal list of CIDR blocks.
func ParseRDAPNetwork(body []byte) (domain.WhoisAnswer, error) {
	var n rdapNetwork
	if err := json.Unmarshal(body, &n); err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}

	answer := domain.WhoisAnswer{Country: strings.ToUpper(strings.TrimSpace(n.Country))}

	for _, c := range n.Cidr0 {
		raw := c.V4Prefix
		if raw == "" {
			raw = c.V6Prefix
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil || c.Length < 0 || c.Length > addr.BitLen() {
			continue
		}
		answer.Ranges = append(answer.Ranges, netip.PrefixFrom(addr, c.Length).Masked())
	}
	if len(answer.Ranges) > 0 {
		return answer, nil
	}

	start, err := netip.ParseAddr(n.StartAddress)
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("%w: start address %q", ErrMalformedAnswer, n.StartAddress)
	}
	end, err := netip.ParseAddr(n.EndAddress)
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("%w: end address %q", ErrMalformedAnswer, n.EndAddress)
	}
	r := netipx.IPRangeFrom(start.Unmap(), end.Unmap())
	if !r.IsValid() {
		return domain.WhoisAnswer{}, fmt.Errorf("%w: range %s-%s", ErrMalformedAnswer, start, end)
	}
	answer.Ranges = r.Prefixes()
	return answer, nil
}
