package intelliceil

import (
	"testing"
	"time"
)

func TestBotScoreEmptyUserAgent(t *testing.T) {
	if got := scoreUserAgent(""); got != 40 {
		t.Fatalf("empty user agent should score 40, got %d", got)
	}
}

func TestBotScoreKnownAutomationAgents(t *testing.T) {
	agents := []string{
		"curl/8.4.0",
		"python-requests/2.31",
		"Go-http-client/1.1",
		"Scrapy/2.11 (+https://scrapy.org)",
		"HeadlessChrome/120.0",
	}
	for _, ua := range agents {
		if got := scoreUserAgent(ua); got != 35 {
			t.Fatalf("agent %q should score 35, got %d", ua, got)
		}
	}
}

func TestBotScoreBrowserAgentsPass(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"
	if got := scoreUserAgent(ua); got != 0 {
		t.Fatalf("browser agent should score 0, got %d", got)
	}
}

func TestBotScoreMetronomeTiming(t *testing.T) {
	b := NewBotScorer()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	var score int
	for i := 0; i < 10; i++ {
		req := &RequestContext{
			IP:        "203.0.113.70",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36",
			Now:       now.Add(time.Duration(i) * time.Second),
		}
		score = b.Score(req)
	}
	if score < 40 {
		t.Fatalf("perfectly regular arrivals should add the timing score, got %d", score)
	}
}

func TestBotScoreHumanTimingPasses(t *testing.T) {
	b := NewBotScorer()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	gaps := []time.Duration{0, 3 * time.Second, 4 * time.Second, 11 * time.Second, 13 * time.Second, 40 * time.Second, 42 * time.Second, 90 * time.Second}

	var score int
	elapsed := time.Duration(0)
	for _, gap := range gaps {
		elapsed += gap
		req := &RequestContext{
			IP:        "203.0.113.71",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36",
			Now:       now.Add(elapsed),
		}
		score = b.Score(req)
	}
	if score != 0 {
		t.Fatalf("irregular human-like arrivals should score 0, got %d", score)
	}
}

func TestBotScoreClampsAt100(t *testing.T) {
	b := NewBotScorer()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	var score int
	for i := 0; i < 10; i++ {
		req := &RequestContext{
			IP:  "203.0.113.72",
			Now: now.Add(time.Duration(i) * time.Second),
		}
		score = b.Score(req)
	}
	if score > 100 {
		t.Fatalf("score must clamp at 100, got %d", score)
	}
}

func TestBotScorerSweep(t *testing.T) {
	b := NewBotScorer()
	now := time.Now()
	b.Score(&RequestContext{IP: "203.0.113.73", Now: now})

	b.Sweep(now.Add(time.Hour))
	sh := b.shard("203.0.113.73")
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.profiles) != 0 {
		t.Fatalf("sweep should drop idle profiles, %d left", len(sh.profiles))
	}
}
