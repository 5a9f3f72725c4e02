package intelliceil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SignatureResult classifies a signature check outcome.
type SignatureResult int

const (
	SignatureValid SignatureResult = iota
	SignatureMissing
	SignatureMismatch
	SignatureReplay
)

// SignatureValidator verifies HMAC-SHA256 request signatures issued by the
// platform's trusted clients. The canonical string is
// METHOD|path|timestamp|nonce|sha256hex(body), matching the worker wire
// format. The check fails closed: any error is treated as invalid.
type SignatureValidator struct {
	secret    []byte
	tolerance time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewSignatureValidator requires a shared secret of at least 32 characters.
func NewSignatureValidator(secret string, tolerance time.Duration) (*SignatureValidator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signature secret must be at least 32 characters, got %d", len(secret))
	}
	if tolerance <= 0 {
		tolerance = 30 * time.Second
	}
	logger.Info().Str("secret", maskSensitive(secret, 4)).Dur("tolerance", tolerance).Msg("signature validator initialized")
	return &SignatureValidator{
		secret:    []byte(secret),
		tolerance: tolerance,
		nonces:    make(map[string]time.Time),
	}, nil
}

// Sign produces the signature headers for a request; used by internal
// clients and tests.
func (v *SignatureValidator) Sign(method, path string, body []byte, timestamp time.Time, nonce string) map[string]string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderNonce:     nonce,
		HeaderSignature: v.compute(method, path, ts, nonce, body),
	}
}

// Validate checks the request's signature headers. It never returns an
// error; failure modes map onto the result enum so callers can count
// signatureFailures versus replayAttempts separately.
func (v *SignatureValidator) Validate(req *RequestContext) SignatureResult {
	if req.Signature == "" || req.Timestamp == "" || req.Nonce == "" {
		return SignatureMissing
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return SignatureMismatch
	}
	age := req.Now.Unix() - ts
	if age > int64(v.tolerance.Seconds()) || age < -int64(v.tolerance.Seconds()) {
		return SignatureReplay
	}

	expected := v.compute(req.Method, req.Path, req.Timestamp, req.Nonce, req.Body)
	if !hmac.Equal([]byte(strings.ToLower(req.Signature)), []byte(expected)) {
		return SignatureMismatch
	}

	nonceKey := req.Nonce + "|" + req.Timestamp
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.nonces[nonceKey]; seen {
		return SignatureReplay
	}
	v.nonces[nonceKey] = req.Now
	return SignatureValid
}

func (v *SignatureValidator) compute(method, path, timestamp, nonce string, body []byte) string {
	bodyDigest := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyDigest[:]),
	}, "|")
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// CleanupNonces drops nonces older than the replay window; run periodically.
func (v *SignatureValidator) CleanupNonces(now time.Time) int {
	cutoff := now.Add(-2 * v.tolerance)
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for key, seen := range v.nonces {
		if seen.Before(cutoff) {
			delete(v.nonces, key)
			removed++
		}
	}
	return removed
}
