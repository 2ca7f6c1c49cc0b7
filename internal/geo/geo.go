// Package geo resolves IP addresses to location and network owner using
// local MaxMind databases.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/util"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/multierr"
)

const (
	serverTTLSuccess = 15 * time.Minute
	serverTTLFailure = time.Minute

	MessageNoIP       = "no ip address provided"
	MessageInvalidIP  = "invalid ip address"
	MessageReserved   = "private or reserved address"
	MessageNoDatabase = "geolocation database not configured"
	MessageNotFound   = "address not found in database"

	SourceRequest  = "request"
	SourceClient   = "client supplied"
	SourceDatabase = "maxmind"
)

// Entry is the geolocation of one address. Message explains an
// unsuccessful lookup.
type Entry struct {
	Success   bool    `json:"success"`
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Org       string  `json:"org"`
	AS        string  `json:"as"`
	ASName    string  `json:"asName"`
	Timezone  string  `json:"timezone"`
	Message   string  `json:"message,omitempty"`
	Source    string  `json:"source,omitempty"`
}

// Response bundles the client and server entries of /api/ipinfo.
type Response struct {
	User      Entry     `json:"user"`
	Server    Entry     `json:"server"`
	Timestamp time.Time `json:"timestamp"`
}

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
}

type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Resolver finds the node's own public address when no usable hint exists.
type Resolver func(ctx context.Context) (net.IP, error)

type Service struct {
	city   *maxminddb.Reader
	asn    *maxminddb.Reader
	cache  *lru.Cache[string, Entry]
	logger util.Logger
	now    func() time.Time

	serverHint string
	resolve    Resolver

	mu            sync.RWMutex
	cachedServer  Entry
	serverExpires time.Time
}

// Open loads the configured databases. Missing paths are allowed; lookups
// then report MessageNoDatabase.
func Open(cfg config.GeoIPConfig, serverHint string, resolve Resolver, logger util.Logger) (*Service, error) {
	s := &Service{
		logger:     logger,
		now:        time.Now,
		serverHint: strings.TrimSpace(serverHint),
		resolve:    resolve,
	}
	if s.logger == nil {
		s.logger = util.DiscardLogger()
	}
	var err error
	if cfg.CityDatabase != "" {
		if s.city, err = maxminddb.Open(cfg.CityDatabase); err != nil {
			return nil, fmt.Errorf("open city database: %w", err)
		}
	}
	if cfg.ASNDatabase != "" {
		if s.asn, err = maxminddb.Open(cfg.ASNDatabase); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
	}
	if cfg.CacheSize > 0 {
		if s.cache, err = lru.New[string, Entry](cfg.CacheSize); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) Close() error {
	var err error
	if s.city != nil {
		err = multierr.Append(err, s.city.Close())
	}
	if s.asn != nil {
		err = multierr.Append(err, s.asn.Close())
	}
	return err
}

// Lookup resolves raw, which may be an address or, when allowDNS is set, a
// host name.
func (s *Service) Lookup(ctx context.Context, raw string, allowDNS bool) Entry {
	raw = strings.TrimSpace(raw)
	entry := Entry{IP: raw}
	if raw == "" {
		entry.Message = MessageNoIP
		return entry
	}
	ip := net.ParseIP(stripZone(raw))
	if ip == nil {
		if !allowDNS {
			entry.Message = MessageInvalidIP
			return entry
		}
		resolved, err := resolveHost(ctx, stripZone(raw))
		if err != nil {
			entry.Message = MessageInvalidIP
			return entry
		}
		ip = resolved
	}
	entry.IP = ip.String()
	if !IsLikelyPublicIP(ip) {
		entry.Message = MessageReserved
		return entry
	}
	if s.cache != nil {
		if cached, ok := s.cache.Get(entry.IP); ok {
			return cached
		}
	}
	entry = s.lookupDatabases(ip)
	if entry.Success && s.cache != nil {
		s.cache.Add(entry.IP, entry)
	}
	return entry
}

func (s *Service) lookupDatabases(ip net.IP) Entry {
	entry := Entry{IP: ip.String()}
	if s.city == nil && s.asn == nil {
		entry.Message = MessageNoDatabase
		return entry
	}
	found := false
	if s.city != nil {
		var rec cityRecord
		_, ok, err := s.city.LookupNetwork(ip, &rec)
		if err != nil {
			s.logger.Debug("city lookup failed", "ip", entry.IP, "error", err)
		} else if ok {
			found = true
			entry.Country = englishName(rec.Country.Names)
			if len(rec.Subdivisions) > 0 {
				entry.Region = englishName(rec.Subdivisions[0].Names)
			}
			entry.City = englishName(rec.City.Names)
			entry.Latitude = rec.Location.Latitude
			entry.Longitude = rec.Location.Longitude
			entry.Timezone = rec.Location.TimeZone
		}
	}
	if s.asn != nil {
		var rec asnRecord
		_, ok, err := s.asn.LookupNetwork(ip, &rec)
		if err != nil {
			s.logger.Debug("asn lookup failed", "ip", entry.IP, "error", err)
		} else if ok && rec.Number > 0 {
			found = true
			entry.AS = fmt.Sprintf("AS%d %s", rec.Number, rec.Organization)
			entry.ASName = rec.Organization
			entry.Org = rec.Organization
		}
	}
	if !found {
		entry.Message = MessageNotFound
		return entry
	}
	entry.Success = true
	entry.Source = SourceDatabase
	return entry
}

// ServerEntry returns the node's own entry, cached for 15 minutes after a
// successful lookup and one minute after a failed one.
func (s *Service) ServerEntry(ctx context.Context) Entry {
	s.mu.RLock()
	cached, expires := s.cachedServer, s.serverExpires
	s.mu.RUnlock()
	if s.now().Before(expires) {
		return cached
	}

	entry := s.Lookup(ctx, s.serverHint, true)
	if !entry.Success && (s.serverHint == "" || entry.Message == MessageReserved) && s.resolve != nil {
		if ip, err := s.resolve(ctx); err == nil {
			if fallback := s.Lookup(ctx, ip.String(), false); fallback.Success || entry.IP == "" {
				entry = fallback
			}
		} else {
			s.logger.Debug("public address discovery failed", "error", err)
		}
	}
	if entry.IP == "" {
		entry.IP = s.serverHint
	}

	ttl := serverTTLFailure
	if entry.Success {
		ttl = serverTTLSuccess
	}
	s.mu.Lock()
	s.cachedServer = entry
	s.serverExpires = s.now().Add(ttl)
	s.mu.Unlock()
	return entry
}

// Handler serves /api/ipinfo. ?user= overrides the detected client address.
func (s *Service) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var user Entry
		if override := strings.TrimSpace(r.URL.Query().Get("user")); override != "" {
			user = s.Lookup(ctx, override, true)
			if user.Success && user.Source == SourceDatabase {
				user.Source = SourceClient
			}
		} else {
			user = s.Lookup(ctx, ExtractClientIP(r), false)
			if user.Success && user.Source == SourceDatabase {
				user.Source = SourceRequest
			}
		}
		resp := Response{
			User:      user,
			Server:    s.ServerEntry(ctx),
			Timestamp: s.now().UTC(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
	"X-Client-IP",
	"X-Forwarded",
}

// ExtractClientIP returns the first parseable address among the proxy
// headers and the connection's remote address.
func ExtractClientIP(r *http.Request) string {
	var candidates []string
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				candidates = append(candidates, trimmed)
			}
		}
	}
	for _, name := range clientIPHeaders {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			candidates = append(candidates, v)
		}
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil {
		candidates = append(candidates, host)
	} else if r.RemoteAddr != "" {
		candidates = append(candidates, strings.TrimSpace(r.RemoteAddr))
	}
	for _, candidate := range candidates {
		if ip := normalizeIP(candidate); ip != "" {
			return ip
		}
	}
	return ""
}

// IsLikelyPublicIP rejects loopback, private, link-local and other
// non-global addresses.
func IsLikelyPublicIP(ip net.IP) bool {
	if ip == nil || !ip.IsGlobalUnicast() {
		return false
	}
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}

func normalizeIP(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(candidate); err == nil {
		candidate = host
	}
	if ip := net.ParseIP(stripZone(candidate)); ip != nil {
		return ip.String()
	}
	return ""
}

func stripZone(value string) string {
	if idx := strings.IndexByte(value, '%'); idx >= 0 {
		return value[:idx]
	}
	return value
}

func resolveHost(ctx context.Context, host string) (net.IP, error) {
	if host == "" {
		return nil, errors.New("empty host")
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no ip records")
	}
	for _, addr := range addrs {
		if IsLikelyPublicIP(addr.IP) {
			return addr.IP, nil
		}
	}
	return addrs[0].IP, nil
}

func englishName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}
