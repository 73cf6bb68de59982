package geoip

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// Provider resolves server addresses to countries.
type Provider struct {
	db *geoip2.Reader
}

// Open initializes the GeoIP database reader from a specific file path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Provider{db: db}, nil
}

// Close closes the underlying GeoIP database reader.
func (p *Provider) Close() error {
	return p.db.Close()
}

// CountryCode returns the ISO country code of addr, or "" when it is unknown.
// A nil provider knows no countries.
func (p *Provider) CountryCode(addr netip.Addr) string {
	if p == nil || !addr.IsValid() {
		return ""
	}

	record, err := p.db.Country(net.IP(addr.Unmap().AsSlice()))
	if err != nil {
		return ""
	}

	return record.Country.IsoCode
}
