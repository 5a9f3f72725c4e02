package intelliceil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification is one operator-facing alert: mitigation activated, threat
// level escalation, manual block.
type Notification struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Message     string    `json:"message"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggeredBy"`
	Timestamp   time.Time `json:"timestamp"`
}

// NotificationSender delivers a single alert over one channel.
type NotificationSender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier fans an alert out to every registered sender asynchronously with
// a bounded timeout per channel; a dead channel cannot stall mitigation.
type Notifier struct {
	mu      sync.RWMutex
	senders []NotificationSender
	timeout time.Duration
}

func NewNotifier() *Notifier {
	return &Notifier{timeout: 10 * time.Second}
}

func (n *Notifier) Register(sender NotificationSender) {
	n.mu.Lock()
	n.senders = append(n.senders, sender)
	n.mu.Unlock()
}

// Notify dispatches to all channels and returns immediately.
func (n *Notifier) Notify(subject, message, reason, triggeredBy string) {
	alert := Notification{
		ID:          uuid.NewString(),
		Subject:     subject,
		Message:     message,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Timestamp:   time.Now().UTC(),
	}

	n.mu.RLock()
	senders := make([]NotificationSender, len(n.senders))
	copy(senders, n.senders)
	n.mu.RUnlock()

	for _, sender := range senders {
		go func(s NotificationSender) {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := s.Send(ctx, alert); err != nil {
				logger.Error().Err(err).Str("channel", s.Name()).Str("subject", alert.Subject).Msg("notification delivery failed")
			}
		}(sender)
	}
}

// LogSender writes alerts to the structured log. Always registered so an
// alert is never silently lost even with no external channels configured.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(_ context.Context, n Notification) error {
	logger.Warn().
		Str("id", n.ID).
		Str("subject", n.Subject).
		Str("reason", n.Reason).
		Str("triggeredBy", n.TriggeredBy).
		Msg(n.Message)
	return nil
}

// WebhookSender POSTs the alert as JSON to an operator endpoint (Slack,
// PagerDuty relay, internal hook).
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return &DependencyError{Dep: "webhook", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &DependencyError{Dep: "webhook", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

// EmailSender delivers alerts over SMTP to the configured operator address.
type EmailSender struct {
	Host string
	Port int
	From string
	To   func() string // reads notifyEmail from the live config
	Auth smtp.Auth
}

func (e *EmailSender) Name() string { return "email" }

func (e *EmailSender) Send(_ context.Context, n Notification) error {
	to := e.To()
	if to == "" {
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n\r\nReason: %s\r\nTriggered by: %s\r\nAt: %s\r\n",
		e.From, to, n.Subject, n.Message, n.Reason, n.TriggeredBy, n.Timestamp.Format(time.RFC3339))
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	if err := smtp.SendMail(addr, e.Auth, e.From, []string{to}, []byte(msg)); err != nil {
		return &DependencyError{Dep: "smtp", Err: err}
	}
	return nil
}
