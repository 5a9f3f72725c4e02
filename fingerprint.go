package intelliceil

import (
	"encoding/binary"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const fingerprintShardCount = 32

// FingerprintResult classifies a token binding check.
type FingerprintResult int

const (
	FingerprintMatch FingerprintResult = iota
	FingerprintMismatch
	// FingerprintUnknown means no binding exists for the token; the check is
	// skipped (fail open, auxiliary signal only).
	FingerprintUnknown
)

// TokenFingerprintStore binds auth tokens to characteristics of the device
// that obtained them, so a stolen token replayed from elsewhere stands out.
// Entries expire with the token TTL and the store is size-capped.
type TokenFingerprintStore struct {
	ttl    time.Duration
	maxPer int
	shards [fingerprintShardCount]fingerprintShard
}

type fingerprintShard struct {
	mu      sync.Mutex
	entries map[string]*tokenFingerprint
}

type tokenFingerprint struct {
	digest   [32]byte
	issuedAt time.Time
}

func NewTokenFingerprintStore(ttl time.Duration, maxPerShard int) *TokenFingerprintStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxPerShard <= 0 {
		maxPerShard = 4096
	}
	s := &TokenFingerprintStore{ttl: ttl, maxPer: maxPerShard}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*tokenFingerprint)
	}
	return s
}

func (s *TokenFingerprintStore) shard(token string) *fingerprintShard {
	h := fnv.New32a()
	h.Write([]byte(token))
	return &s.shards[h.Sum32()%fingerprintShardCount]
}

// Bind records the fingerprint at token issuance; the external auth
// collaborator calls this when it mints a session.
func (s *TokenFingerprintStore) Bind(token string, req *RequestContext) {
	if token == "" {
		return
	}
	sh := s.shard(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.entries) >= s.maxPer {
		sh.evictOldest()
	}
	sh.entries[token] = &tokenFingerprint{
		digest:   fingerprintOf(req),
		issuedAt: req.Now,
	}
}

// Check compares the request's derived fingerprint against the one recorded
// at issuance. An expired or missing binding yields FingerprintUnknown.
func (s *TokenFingerprintStore) Check(token string, req *RequestContext) FingerprintResult {
	if token == "" {
		return FingerprintUnknown
	}
	sh := s.shard(token)
	sh.mu.Lock()
	entry, ok := sh.entries[token]
	if ok && req.Now.Sub(entry.issuedAt) > s.ttl {
		delete(sh.entries, token)
		ok = false
	}
	sh.mu.Unlock()
	if !ok {
		return FingerprintUnknown
	}
	if fingerprintOf(req) != entry.digest {
		return FingerprintMismatch
	}
	return FingerprintMatch
}

// Forget drops the binding at token expiry/logout.
func (s *TokenFingerprintStore) Forget(token string) {
	sh := s.shard(token)
	sh.mu.Lock()
	delete(sh.entries, token)
	sh.mu.Unlock()
}

// Size reports the number of live bindings, for cache-size metrics.
func (s *TokenFingerprintStore) Size() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Cleanup removes expired bindings; run periodically.
func (s *TokenFingerprintStore) Cleanup(now time.Time) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for token, entry := range sh.entries {
			if now.Sub(entry.issuedAt) > s.ttl {
				delete(sh.entries, token)
			}
		}
		sh.mu.Unlock()
	}
}

func (sh *fingerprintShard) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range sh.entries {
		if oldestKey == "" || entry.issuedAt.Before(oldest) {
			oldestKey, oldest = key, entry.issuedAt
		}
	}
	if oldestKey != "" {
		delete(sh.entries, oldestKey)
	}
}

// fingerprintOf derives the device fingerprint from stable request
// characteristics: user agent, the client's network prefix (a /24 or /64,
// so DHCP churn within a subnet does not trip the check) and the negotiated
// TLS parameters.
func fingerprintOf(req *RequestContext) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(req.UserAgent))
	h.Write([]byte{0})
	h.Write([]byte(ipPrefix(req.IP)))
	h.Write([]byte{0})
	var tls [4]byte
	binary.BigEndian.PutUint16(tls[0:2], req.TLSVersion)
	binary.BigEndian.PutUint16(tls[2:4], req.TLSCipher)
	h.Write(tls[:])
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func ipPrefix(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String()
}
