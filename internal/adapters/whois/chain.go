package whois

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

var ErrNoClients = errors.New("no whois clients configured")

// ChainClient asks each client in turn and returns the first answer that
// carries at least one block.
type ChainClient struct {
	clients []ports.WhoisClient
}

func NewChainClient(clients ...ports.WhoisClient) *ChainClient {
	return &ChainClient{clients: clients}
}

func (c *ChainClient) Name() string {
	names := make([]string, len(c.clients))
	for i, cl := range c.clients {
		names[i] = cl.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *ChainClient) Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error) {
	if len(c.clients) == 0 {
		return domain.WhoisAnswer{}, ErrNoClients
	}

	var errs []error
	for _, cl := range c.clients {
		if err := ctx.Err(); err != nil {
			return domain.WhoisAnswer{}, err
		}
		answer, err := cl.Lookup(ctx, addr)
		if err == nil && len(answer.Ranges) > 0 {
			if answer.Source == "" {
				answer.Source = cl.Name()
			}
			return answer, nil
		}
		if err == nil {
			err = ErrNoRange
		}
		errs = append(errs, fmt.Errorf("%s: %w", cl.Name(), err))
	}
	return domain.WhoisAnswer{}, errors.Join(errs...)
}

// StaticClient answers from a fixed table of networks. It backs demo runs
// and offline tests.
type StaticClient struct {
	networks []domain.RangeInfo
}

func NewStaticClient(networks ...domain.RangeInfo) *StaticClient {
	return &StaticClient{networks: networks}
}

func (c *StaticClient) Name() string { return "static" }

func (c *StaticClient) Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error) {
	if err := ctx.Err(); err != nil {
		return domain.WhoisAnswer{}, err
	}
	for _, n := range c.networks {
		if n.Range.Contains(addr.Unmap()) {
			return domain.WhoisAnswer{Ranges: []netip.Prefix{n.Range}, Country: n.Country, Source: c.Name()}, nil
		}
	}
	return domain.WhoisAnswer{}, ErrNoRange
}
