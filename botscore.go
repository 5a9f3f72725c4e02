package intelliceil

import (
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	botShardCount      = 32
	botTimingSamples   = 12
	botMinIntervals    = 5
	botRegularityCV    = 0.12
	botProfileMaxIdle  = 10 * time.Minute
	botProfileMaxPerSh = 8192
)

var botAgentKeywords = []string{
	"curl", "wget", "python", "go-http-client", "java/", "libwww",
	"scrapy", "httpclient", "okhttp", "bot", "spider", "crawler",
	"headless", "phantomjs", "selenium",
}

// BotScorer produces a 0-100 heuristic score from user-agent anomalies and
// inter-request timing regularity: machine traffic tends to arrive at
// suspiciously constant intervals.
type BotScorer struct {
	shards [botShardCount]botShard
}

type botShard struct {
	mu       sync.Mutex
	profiles map[string]*botProfile
}

type botProfile struct {
	arrivals []time.Time
	lastSeen time.Time
}

func NewBotScorer() *BotScorer {
	b := &BotScorer{}
	for i := range b.shards {
		b.shards[i].profiles = make(map[string]*botProfile)
	}
	return b
}

func (b *BotScorer) shard(ip string) *botShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return &b.shards[h.Sum32()%botShardCount]
}

// Score records the request arrival and returns the current bot score for
// the source IP.
func (b *BotScorer) Score(req *RequestContext) int {
	score := scoreUserAgent(req.UserAgent)
	score += b.scoreTiming(req.IP, req.Now)
	if score > 100 {
		score = 100
	}
	return score
}

func scoreUserAgent(ua string) int {
	if ua == "" {
		return 40
	}
	lower := strings.ToLower(ua)
	for _, keyword := range botAgentKeywords {
		if strings.Contains(lower, keyword) {
			return 35
		}
	}
	if len(ua) < 10 {
		return 15
	}
	return 0
}

func (b *BotScorer) scoreTiming(ip string, now time.Time) int {
	sh := b.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prof, ok := sh.profiles[ip]
	if !ok {
		if len(sh.profiles) >= botProfileMaxPerSh {
			sh.evictOldest()
		}
		prof = &botProfile{}
		sh.profiles[ip] = prof
	}
	prof.lastSeen = now
	prof.arrivals = append(prof.arrivals, now)
	if len(prof.arrivals) > botTimingSamples {
		prof.arrivals = prof.arrivals[len(prof.arrivals)-botTimingSamples:]
	}

	if len(prof.arrivals) < botMinIntervals+1 {
		return 0
	}

	intervals := make([]float64, 0, len(prof.arrivals)-1)
	for i := 1; i < len(prof.arrivals); i++ {
		intervals = append(intervals, prof.arrivals[i].Sub(prof.arrivals[i-1]).Seconds())
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return 40
	}

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	// Coefficient of variation near zero means metronome-like arrivals.
	cv := math.Sqrt(variance) / mean
	if cv < botRegularityCV {
		return 40
	}
	return 0
}

func (sh *botShard) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, prof := range sh.profiles {
		if oldestKey == "" || prof.lastSeen.Before(oldest) {
			oldestKey, oldest = key, prof.lastSeen
		}
	}
	if oldestKey != "" {
		delete(sh.profiles, oldestKey)
	}
}

// Sweep drops idle profiles; run periodically off the request path.
func (b *BotScorer) Sweep(now time.Time) {
	cutoff := now.Add(-botProfileMaxIdle)
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for key, prof := range sh.profiles {
			if prof.lastSeen.Before(cutoff) {
				delete(sh.profiles, key)
			}
		}
		sh.mu.Unlock()
	}
}
