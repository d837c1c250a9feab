package router

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"

	"liuproxy_tunnel/internal/shared/errorx"
)

// GeoIP 根据地址返回 ISO 国家代码，查不到时返回空字符串。
type GeoIP interface {
	Country(addr netip.Addr) string
}

// GeoIPDB 基于 MaxMind mmdb 文件
type GeoIPDB struct {
	reader *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIPDB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errorx.WrapConfig(err, "open geoip database")
	}
	return &GeoIPDB{reader: reader}, nil
}

func (g *GeoIPDB) Country(addr netip.Addr) string {
	country, err := g.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return ""
	}
	return country.Country.IsoCode
}

func (g *GeoIPDB) Close() error {
	return g.reader.Close()
}
