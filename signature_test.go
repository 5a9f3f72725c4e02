package intelliceil

import (
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signedRequest(t *testing.T, v *SignatureValidator, method, path string, body []byte, ts time.Time, nonce string) *RequestContext {
	t.Helper()
	headers := v.Sign(method, path, body, ts, nonce)
	return &RequestContext{
		Method:    method,
		Path:      path,
		Body:      body,
		Signature: headers[HeaderSignature],
		Timestamp: headers[HeaderTimestamp],
		Nonce:     headers[HeaderNonce],
		Now:       ts,
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	v, err := NewSignatureValidator(testSecret, 30*time.Second)
	if err != nil {
		t.Fatalf("NewSignatureValidator: %v", err)
	}
	req := signedRequest(t, v, "POST", "/api/vehicles", []byte(`{"vin":"1HGCM82633A"}`), time.Now(), "nonce-1")
	if got := v.Validate(req); got != SignatureValid {
		t.Fatalf("expected SignatureValid, got %v", got)
	}
}

func TestSignatureMissingHeaders(t *testing.T) {
	v, _ := NewSignatureValidator(testSecret, 30*time.Second)
	req := &RequestContext{Method: "GET", Path: "/api/vehicles", Now: time.Now()}
	if got := v.Validate(req); got != SignatureMissing {
		t.Fatalf("expected SignatureMissing, got %v", got)
	}
}

func TestSignatureTamperedBody(t *testing.T) {
	v, _ := NewSignatureValidator(testSecret, 30*time.Second)
	req := signedRequest(t, v, "POST", "/api/vehicles", []byte(`{"price":100}`), time.Now(), "nonce-2")
	req.Body = []byte(`{"price":1}`)
	if got := v.Validate(req); got != SignatureMismatch {
		t.Fatalf("tampered body should be SignatureMismatch, got %v", got)
	}
}

func TestSignatureWrongSecret(t *testing.T) {
	signer, _ := NewSignatureValidator("ffffffffffffffffffffffffffffffff", 30*time.Second)
	verifier, _ := NewSignatureValidator(testSecret, 30*time.Second)
	req := signedRequest(t, signer, "GET", "/api/vehicles", nil, time.Now(), "nonce-3")
	if got := verifier.Validate(req); got != SignatureMismatch {
		t.Fatalf("wrong secret should be SignatureMismatch, got %v", got)
	}
}

func TestSignatureStaleTimestamp(t *testing.T) {
	v, _ := NewSignatureValidator(testSecret, 30*time.Second)
	ts := time.Now()
	req := signedRequest(t, v, "GET", "/api/vehicles", nil, ts, "nonce-4")
	req.Now = ts.Add(31 * time.Second)
	if got := v.Validate(req); got != SignatureReplay {
		t.Fatalf("stale timestamp should be SignatureReplay, got %v", got)
	}
}

func TestSignatureFutureTimestamp(t *testing.T) {
	v, _ := NewSignatureValidator(testSecret, 30*time.Second)
	ts := time.Now()
	req := signedRequest(t, v, "GET", "/api/vehicles", nil, ts.Add(45*time.Second), "nonce-5")
	req.Now = ts
	if got := v.Validate(req); got != SignatureReplay {
		t.Fatalf("future timestamp should be SignatureReplay, got %v", got)
	}
}

func TestSignatureNonceReplay(t *testing.T) {
	v, _ := NewSignatureValidator(testSecret, 30*time.Second)
	req := signedRequest(t, v, "POST", "/api/vehicles", []byte("x"), time.Now(), "nonce-6")
	if got := v.Validate(req); got != SignatureValid {
		t.Fatalf("first use should pass, got %v", got)
	}
	if got := v.Validate(req); got != SignatureReplay {
		t.Fatalf("replayed nonce should be SignatureReplay, got %v", got)
	}
}

func TestSignatureSecretTooShort(t *testing.T) {
	if _, err := NewSignatureValidator("short", 30*time.Second); err == nil {
		t.Fatal("expected error for a weak secret")
	}
}

func TestCleanupNonces(t *testing.T) {
	v, _ := NewSignatureValidator(testSecret, 30*time.Second)
	now := time.Now()
	for i, nonce := range []string{"a", "b", "c"} {
		req := signedRequest(t, v, "GET", "/api/vehicles", nil, now.Add(time.Duration(i)*time.Second), nonce)
		v.Validate(req)
	}
	if removed := v.CleanupNonces(now.Add(5 * time.Minute)); removed != 3 {
		t.Fatalf("expected 3 nonces removed, got %d", removed)
	}
}
