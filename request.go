package intelliceil

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// Signature and token headers, shared with the platform's API clients.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// RequestContext is the engine's neutral view of one inbound request, built
// once per request so every check works off the same data and stays
// testable without an HTTP stack.
type RequestContext struct {
	IP        string
	Method    string
	Path      string
	Query     string
	Body      []byte
	Origin    string
	Host      string
	UserAgent string

	// Token is the session/bearer token id, if any.
	Token string

	Signature string
	Timestamp string
	Nonce     string

	TLSVersion uint16
	TLSCipher  uint16

	// Headers carries the inspectable request headers (lower-cased names).
	Headers map[string]string

	Now time.Time
}

// RequestFromFiber extracts the request view from a fiber context.
func RequestFromFiber(c *fiber.Ctx, clientIP string, now time.Time) *RequestContext {
	req := &RequestContext{
		IP:        clientIP,
		Method:    c.Method(),
		Path:      c.Path(),
		Query:     string(c.Request().URI().QueryString()),
		Body:      c.Body(),
		Origin:    c.Get(fiber.HeaderOrigin),
		Host:      c.Hostname(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Token:     bearerToken(c.Get(fiber.HeaderAuthorization)),
		Signature: c.Get(HeaderSignature),
		Timestamp: c.Get(HeaderTimestamp),
		Nonce:     c.Get(HeaderNonce),
		Headers:   collectHeaders(c.Request()),
		Now:       now,
	}
	if state := c.Context().TLSConnectionState(); state != nil {
		req.TLSVersion = state.Version
		req.TLSCipher = state.CipherSuite
	}
	return req
}

func collectHeaders(r *fasthttp.Request) map[string]string {
	headers := make(map[string]string, r.Header.Len())
	r.Header.VisitAll(func(key, value []byte) {
		headers[strings.ToLower(string(key))] = string(value)
	})
	return headers
}

func bearerToken(authorization string) string {
	if authorization == "" {
		return ""
	}
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "Bearer ") {
		return strings.TrimSpace(authorization[7:])
	}
	return authorization
}

// GetClientIP resolves the originating client address, honoring the usual
// proxy headers before falling back to the socket peer.
func GetClientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}
