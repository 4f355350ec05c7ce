package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// MaxMindLocator implements Locator using a MaxMind GeoLite2 City database.
type MaxMindLocator struct {
	reader *maxminddb.Reader
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// NewMaxMindLocator opens the database at dbPath.
func NewMaxMindLocator(dbPath string) (*MaxMindLocator, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}

	return &MaxMindLocator{reader: reader}, nil
}

// Lookup returns geo information for an IP address.
func (m *MaxMindLocator) Lookup(ctx context.Context, ip string) (*Location, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ip)
	}

	var record cityRecord
	if err := m.reader.Lookup(parsedIP, &record); err != nil {
		return nil, err
	}
	if record.Country.ISOCode == "" {
		return nil, ErrNoLocation
	}

	return &Location{
		CountryCode: record.Country.ISOCode,
		City:        record.City.Names["en"],
	}, nil
}

// Close closes the GeoIP database.
func (m *MaxMindLocator) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}
