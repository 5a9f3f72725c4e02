package intelliceil

import (
	"hash/fnv"
	"sync"
	"time"
)

const limiterShardCount = 64

// SlidingWindowLimiter tracks request timestamps per IP across sharded
// buckets so the hot path only contends on 1/64th of the keyspace. Per-IP
// storage never exceeds the configured limit (denied arrivals are not
// recorded) and the tracked-IP count is capped per shard, so a flood cannot
// use the limiter itself as an exhaustion vector.
type SlidingWindowLimiter struct {
	shards     [limiterShardCount]limiterShard
	maxEntries int
}

type limiterShard struct {
	mu      sync.Mutex
	windows map[string]*ipWindow
}

type ipWindow struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// NewSlidingWindowLimiter caps the total tracked IPs per shard at
// maxEntriesPerShard.
func NewSlidingWindowLimiter(maxEntriesPerShard int) *SlidingWindowLimiter {
	if maxEntriesPerShard <= 0 {
		maxEntriesPerShard = 8192
	}
	l := &SlidingWindowLimiter{maxEntries: maxEntriesPerShard}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*ipWindow)
	}
	return l
}

func (l *SlidingWindowLimiter) shard(ip string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return &l.shards[h.Sum32()%limiterShardCount]
}

// Allow records one request from ip and reports whether it stays within
// limit requests per window ending at now.
func (l *SlidingWindowLimiter) Allow(ip string, limit int, window time.Duration, now time.Time) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	s := l.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[ip]
	if !ok {
		if len(s.windows) >= l.maxEntries {
			s.evictOldest()
		}
		w = &ipWindow{}
		s.windows[ip] = w
	}
	w.lastSeen = now

	cutoff := now.Add(-window)
	idx := 0
	for idx < len(w.timestamps) && w.timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[idx:]...)
	}

	if len(w.timestamps) >= limit {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

// Count returns the number of tracked requests for ip inside window.
func (l *SlidingWindowLimiter) Count(ip string, window time.Duration, now time.Time) int {
	s := l.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[ip]
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range w.timestamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// evictOldest drops the least recently seen IP. Caller holds the shard lock.
func (s *limiterShard) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, w := range s.windows {
		if oldestKey == "" || w.lastSeen.Before(oldest) {
			oldestKey, oldest = key, w.lastSeen
		}
	}
	if oldestKey != "" {
		delete(s.windows, oldestKey)
	}
}

// Sweep drops IPs idle longer than maxIdle. Run it periodically off the
// request path.
func (l *SlidingWindowLimiter) Sweep(maxIdle time.Duration, now time.Time) {
	cutoff := now.Add(-maxIdle)
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, w := range s.windows {
			if w.lastSeen.Before(cutoff) {
				delete(s.windows, key)
			}
		}
		s.mu.Unlock()
	}
}

// Size reports the number of tracked IPs, for cache-size metrics.
func (l *SlidingWindowLimiter) Size() int {
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}
