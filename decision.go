package intelliceil

// ReasonCode is the machine-readable denial reason surfaced to callers.
type ReasonCode string

const (
	ReasonBlockedIP        ReasonCode = "BLOCKED_IP"
	ReasonHoneypot         ReasonCode = "HONEYPOT"
	ReasonSignatureInvalid ReasonCode = "SIGNATURE_INVALID"
	ReasonReplayDetected   ReasonCode = "REPLAY_DETECTED"
	ReasonTokenMismatch    ReasonCode = "TOKEN_FINGERPRINT_MISMATCH"
	ReasonSQLInjection     ReasonCode = "SQL_INJECTION"
	ReasonXSS              ReasonCode = "XSS"
	ReasonRateLimit        ReasonCode = "RATE_LIMIT_EXCEEDED"
	ReasonMitigationBlock  ReasonCode = "MITIGATION_BLOCK"
	ReasonBotDetected      ReasonCode = "BOT_DETECTED"
)

// Decision is the outcome of a single pipeline check or of the whole
// pipeline. Checks return Deny to short-circuit; the zero Detail is fine.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reason,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason ReasonCode, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}
