package whois

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// GeoLiteClient answers from local GeoLite2 databases: the ASN database
// supplies the announced network, the Country database the ISO code.
type GeoLiteClient struct {
	asn     *maxminddb.Reader
	country *geoip2.Reader
}

func OpenGeoLite(asnPath, countryPath string) (*GeoLiteClient, error) {
	asn, err := maxminddb.Open(asnPath)
	if err != nil {
		return nil, fmt.Errorf("open asn database: %w", err)
	}
	c := &GeoLiteClient{asn: asn}
	if countryPath != "" {
		country, err := geoip2.Open(countryPath)
		if err != nil {
			asn.Close()
			return nil, fmt.Errorf("open country database: %w", err)
		}
		c.country = country
	}
	return c, nil
}

func (c *GeoLiteClient) Name() string { return "geolite" }

func (c *GeoLiteClient) Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error) {
	if err := ctx.Err(); err != nil {
		return domain.WhoisAnswer{}, err
	}

	ip := net.IP(addr.Unmap().AsSlice())
	var rec asnRecord
	network, ok, err := c.asn.LookupNetwork(ip, &rec)
	if err != nil {
		return domain.WhoisAnswer{}, fmt.Errorf("asn lookup: %w", err)
	}
	if !ok || network == nil || rec.Number == 0 {
		return domain.WhoisAnswer{}, ErrNoRange
	}

	prefix, err := prefixFromIPNet(network)
	if err != nil {
		return domain.WhoisAnswer{}, err
	}

	answer := domain.WhoisAnswer{Ranges: []netip.Prefix{prefix}, Source: c.Name()}
	if c.country != nil {
		if country, err := c.country.Country(ip); err == nil {
			answer.Country = country.Country.IsoCode
			if answer.Country == "" {
				answer.Country = country.RegisteredCountry.IsoCode
			}
		}
	}
	return answer, nil
}

func (c *GeoLiteClient) Close() error {
	errs := []error{c.asn.Close()}
	if c.country != nil {
		errs = append(errs, c.country.Close())
	}
	return errors.Join(errs...)
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, error) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("%w: network %s", ErrMalformedAnswer, n)
	}
	ones, _ := n.Mask.Size()
	addr = addr.Unmap()
	if addr.Is4() && ones > 32 {
		ones -= 96
	}
	return netip.PrefixFrom(addr, ones).Masked(), nil
}
