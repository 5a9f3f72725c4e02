package intelliceil

import (
	"context"
	"hash/fnv"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const geoShardCount = 64

// GeoReputation is what the external geo/IP-reputation collaborator returns
// for one address.
type GeoReputation struct {
	Country     string
	CountryCode string
	City        string
	Lat         float64
	Lon         float64
	Trusted     bool
}

var neutralReputation = GeoReputation{Country: "Unknown", CountryCode: "??"}

// ReputationProvider is the external lookup service. Implementations must
// honor the context deadline.
type ReputationProvider interface {
	Lookup(ctx context.Context, ip string) (GeoReputation, error)
}

// GeoLocation is the published per-IP record.
type GeoLocation struct {
	IP           string    `json:"ip"`
	Country      string    `json:"country"`
	CountryCode  string    `json:"countryCode"`
	City         string    `json:"city"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	IsTrusted    bool      `json:"isTrusted"`
	RequestCount int64     `json:"requestCount"`
	LastSeen     time.Time `json:"lastSeen"`
}

type geoEntry struct {
	ip           string
	requestCount atomic.Int64
	lastSeen     atomic.Int64 // unix nanos
	resolving    atomic.Bool

	mu          sync.Mutex // guards the resolved geo fields
	country     string
	countryCode string
	city        string
	lat, lon    float64
	trusted     bool
	resolved    bool
}

type geoShard struct {
	mu      sync.RWMutex
	entries map[string]*geoEntry
}

// GeoLocationRegistry is a bounded, TTL'd cache of per-IP geo/reputation
// state. Sightings are recorded inline with two atomic stores; provider
// lookups run asynchronously with a bounded timeout and a neutral fallback,
// so a slow provider never stalls request processing.
type GeoLocationRegistry struct {
	shards        [geoShardCount]geoShard
	ttl           time.Duration
	maxPerShard   int
	provider      ReputationProvider
	lookupTimeout time.Duration
	lookupLimiter *rate.Limiter
	enabled       func() bool
}

func NewGeoLocationRegistry(provider ReputationProvider, ttl time.Duration, maxPerShard int) *GeoLocationRegistry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxPerShard <= 0 {
		maxPerShard = 4096
	}
	r := &GeoLocationRegistry{
		ttl:           ttl,
		maxPerShard:   maxPerShard,
		provider:      provider,
		lookupTimeout: 2 * time.Second,
		lookupLimiter: rate.NewLimiter(rate.Limit(50), 100),
		enabled:       func() bool { return true },
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*geoEntry)
	}
	return r
}

// SetEnabledFunc gates provider lookups on the live config snapshot.
func (r *GeoLocationRegistry) SetEnabledFunc(f func() bool) {
	if f != nil {
		r.enabled = f
	}
}

func (r *GeoLocationRegistry) shard(ip string) *geoShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return &r.shards[h.Sum32()%geoShardCount]
}

// RecordSighting updates (or creates) the per-IP record. Concurrent first
// sightings of the same IP converge on a single entry; counts are atomic so
// no update is lost.
func (r *GeoLocationRegistry) RecordSighting(ip string, now time.Time) {
	if ip == "" {
		return
	}
	entry := r.getOrCreate(ip, now)
	entry.requestCount.Add(1)
	entry.lastSeen.Store(now.UnixNano())

	if r.provider != nil && r.enabled() && !entry.isResolved() && entry.resolving.CompareAndSwap(false, true) {
		go r.resolve(entry)
	}
}

func (r *GeoLocationRegistry) getOrCreate(ip string, now time.Time) *geoEntry {
	s := r.shard(ip)
	s.mu.RLock()
	entry, ok := s.entries[ip]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.entries[ip]; ok {
		return entry
	}
	if len(s.entries) >= r.maxPerShard {
		evictLeastRecent(s.entries)
	}
	entry = &geoEntry{ip: ip}
	if isPrivateIP(ip) {
		entry.country = "Local"
		entry.countryCode = "--"
		entry.trusted = true
		entry.resolved = true
	}
	entry.lastSeen.Store(now.UnixNano())
	s.entries[ip] = entry
	return entry
}

func (e *geoEntry) isResolved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolved
}

func (r *GeoLocationRegistry) resolve(entry *geoEntry) {
	defer entry.resolving.Store(false)

	if !r.lookupLimiter.Allow() {
		// Over the outbound lookup limit; leave unresolved and retry on a
		// later sighting.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.lookupTimeout)
	defer cancel()

	rep, err := r.provider.Lookup(ctx, entry.ip)
	if err != nil {
		logger.Debug().Err(err).Str("ip", entry.ip).Msg("reputation lookup failed, using neutral fallback")
		rep = neutralReputation
	}

	entry.mu.Lock()
	entry.country = rep.Country
	entry.countryCode = rep.CountryCode
	entry.city = rep.City
	entry.lat, entry.lon = rep.Lat, rep.Lon
	entry.trusted = rep.Trusted
	entry.resolved = true
	entry.mu.Unlock()
}

// Trusted reports whether the source IP is marked trusted (private network
// or flagged by the reputation provider).
func (r *GeoLocationRegistry) Trusted(ip string) bool {
	s := r.shard(ip)
	s.mu.RLock()
	entry, ok := s.entries[ip]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.trusted
}

// Country returns the resolved country for ip, or "Unknown".
func (r *GeoLocationRegistry) Country(ip string) string {
	s := r.shard(ip)
	s.mu.RLock()
	entry, ok := s.entries[ip]
	s.mu.RUnlock()
	if !ok {
		return neutralReputation.Country
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.resolved {
		return neutralReputation.Country
	}
	return entry.country
}

// Lookup returns the published record for one IP.
func (r *GeoLocationRegistry) Lookup(ip string) (GeoLocation, bool) {
	s := r.shard(ip)
	s.mu.RLock()
	entry, ok := s.entries[ip]
	s.mu.RUnlock()
	if !ok {
		return GeoLocation{}, false
	}
	return entry.view(), true
}

func (e *geoEntry) view() GeoLocation {
	e.mu.Lock()
	loc := GeoLocation{
		IP:          e.ip,
		Country:     e.country,
		CountryCode: e.countryCode,
		City:        e.city,
		Lat:         e.lat,
		Lon:         e.lon,
		IsTrusted:   e.trusted,
	}
	if !e.resolved {
		loc.Country = neutralReputation.Country
		loc.CountryCode = neutralReputation.CountryCode
	}
	e.mu.Unlock()
	loc.RequestCount = e.requestCount.Load()
	loc.LastSeen = time.Unix(0, e.lastSeen.Load())
	return loc
}

// Snapshot returns up to limit records ordered by request count, for the
// status endpoint.
func (r *GeoLocationRegistry) Snapshot(limit int) []GeoLocation {
	var out []GeoLocation
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, entry := range s.entries {
			out = append(out, entry.view())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestCount > out[j].RequestCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UniqueIPs reports the number of live records, also used as the reputation
// cache size metric.
func (r *GeoLocationRegistry) UniqueIPs() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Sweep evicts records idle past the TTL. High-cardinality floods are
// bounded by this plus the per-shard cap.
func (r *GeoLocationRegistry) Sweep(now time.Time) {
	cutoff := now.Add(-r.ttl).UnixNano()
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for ip, entry := range s.entries {
			if entry.lastSeen.Load() < cutoff {
				delete(s.entries, ip)
			}
		}
		s.mu.Unlock()
	}
}

func evictLeastRecent(entries map[string]*geoEntry) {
	var oldestKey string
	var oldest int64
	for key, entry := range entries {
		seen := entry.lastSeen.Load()
		if oldestKey == "" || seen < oldest {
			oldestKey, oldest = key, seen
		}
	}
	if oldestKey != "" {
		delete(entries, oldestKey)
	}
}

var privateNets = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"127.0.0.0/8", "::1/128", "fc00::/7",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

func isPrivateIP(ipStr string) bool {
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range privateNets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
