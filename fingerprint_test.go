package intelliceil

import (
	"testing"
	"time"
)

func deviceRequest(ip, ua string, tlsVersion, tlsCipher uint16, now time.Time) *RequestContext {
	return &RequestContext{
		IP:         ip,
		UserAgent:  ua,
		TLSVersion: tlsVersion,
		TLSCipher:  tlsCipher,
		Now:        now,
	}
}

func TestFingerprintMatchSameDevice(t *testing.T) {
	s := NewTokenFingerprintStore(time.Hour, 0)
	now := time.Now()
	issued := deviceRequest("198.51.100.10", "Mozilla/5.0 Chrome/120", 0x0304, 0x1301, now)

	s.Bind("tok-1", issued)
	later := deviceRequest("198.51.100.10", "Mozilla/5.0 Chrome/120", 0x0304, 0x1301, now.Add(time.Minute))
	if got := s.Check("tok-1", later); got != FingerprintMatch {
		t.Fatalf("expected match, got %v", got)
	}
}

func TestFingerprintToleratesSameSubnet(t *testing.T) {
	s := NewTokenFingerprintStore(time.Hour, 0)
	now := time.Now()
	s.Bind("tok-2", deviceRequest("198.51.100.10", "UA", 0x0304, 0x1301, now))

	// Same /24, different host: DHCP churn must not trip the check.
	moved := deviceRequest("198.51.100.77", "UA", 0x0304, 0x1301, now.Add(time.Minute))
	if got := s.Check("tok-2", moved); got != FingerprintMatch {
		t.Fatalf("same-subnet move should match, got %v", got)
	}
}

func TestFingerprintMismatchOnStolenToken(t *testing.T) {
	s := NewTokenFingerprintStore(time.Hour, 0)
	now := time.Now()
	s.Bind("tok-3", deviceRequest("198.51.100.10", "Mozilla/5.0 Chrome/120", 0x0304, 0x1301, now))

	cases := []*RequestContext{
		deviceRequest("203.0.113.50", "Mozilla/5.0 Chrome/120", 0x0304, 0x1301, now), // other network
		deviceRequest("198.51.100.10", "curl/8.0", 0x0304, 0x1301, now),              // other agent
		deviceRequest("198.51.100.10", "Mozilla/5.0 Chrome/120", 0x0303, 0x1301, now), // other TLS
	}
	for i, req := range cases {
		if got := s.Check("tok-3", req); got != FingerprintMismatch {
			t.Fatalf("case %d: expected mismatch, got %v", i, got)
		}
	}
}

func TestFingerprintUnknownToken(t *testing.T) {
	s := NewTokenFingerprintStore(time.Hour, 0)
	req := deviceRequest("198.51.100.10", "UA", 0, 0, time.Now())
	if got := s.Check("never-bound", req); got != FingerprintUnknown {
		t.Fatalf("expected unknown, got %v", got)
	}
	if got := s.Check("", req); got != FingerprintUnknown {
		t.Fatalf("empty token should be unknown, got %v", got)
	}
}

func TestFingerprintExpires(t *testing.T) {
	s := NewTokenFingerprintStore(time.Hour, 0)
	now := time.Now()
	s.Bind("tok-4", deviceRequest("198.51.100.10", "UA", 0, 0, now))

	stale := deviceRequest("198.51.100.10", "UA", 0, 0, now.Add(2*time.Hour))
	if got := s.Check("tok-4", stale); got != FingerprintUnknown {
		t.Fatalf("expired binding should be unknown, got %v", got)
	}
}

func TestFingerprintForgetAndCleanup(t *testing.T) {
	s := NewTokenFingerprintStore(time.Hour, 0)
	now := time.Now()
	s.Bind("tok-5", deviceRequest("198.51.100.10", "UA", 0, 0, now))
	s.Bind("tok-6", deviceRequest("198.51.100.11", "UA", 0, 0, now))

	s.Forget("tok-5")
	if s.Size() != 1 {
		t.Fatalf("expected 1 binding after forget, got %d", s.Size())
	}

	s.Cleanup(now.Add(2 * time.Hour))
	if s.Size() != 0 {
		t.Fatalf("cleanup should drop expired bindings, got %d", s.Size())
	}
}
