package intelliceil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	eventRetentionRows = 10000
	eventQueueDepth    = 4096
	pruneEveryInserts  = 500
)

var storeSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id         TEXT PRIMARY KEY,
	ts         DATETIME NOT NULL,
	ip         TEXT NOT NULL,
	method     TEXT NOT NULL,
	path       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	country    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events (ts);

CREATE TABLE IF NOT EXISTS blocked_ips (
	ip         TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	blocked_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS config_snapshots (
	id         TEXT PRIMARY KEY,
	ts         DATETIME NOT NULL,
	applied_by TEXT NOT NULL DEFAULT '',
	config     TEXT NOT NULL
);
`

// SecurityEvent is one audit-log row: a denied request or an operator
// action.
type SecurityEvent struct {
	ID        string    `db:"id" json:"id"`
	Timestamp time.Time `db:"ts" json:"timestamp"`
	IP        string    `db:"ip" json:"ip"`
	Method    string    `db:"method" json:"method"`
	Path      string    `db:"path" json:"path"`
	Reason    string    `db:"reason" json:"reason"`
	Detail    string    `db:"detail" json:"detail"`
	Country   string    `db:"country" json:"country"`
}

// Store persists blocked IPs, config snapshots and a capped security event
// log in sqlite. Event writes are queued and flushed off the request path;
// when the queue is full the event is dropped rather than blocking.
type Store struct {
	db     *sqlx.DB
	events chan SecurityEvent
	done   chan struct{}
}

func OpenStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &DependencyError{Dep: "sqlite", Err: err}
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, &DependencyError{Dep: "sqlite", Err: fmt.Errorf("schema init: %w", err)}
	}
	s := &Store{
		db:     db,
		events: make(chan SecurityEvent, eventQueueDepth),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// RecordEvent queues an audit row. Never blocks the caller.
func (s *Store) RecordEvent(ev SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		logger.Warn().Str("reason", ev.Reason).Msg("event queue full, dropping audit row")
	}
}

func (s *Store) writeLoop() {
	inserts := 0
	for ev := range s.events {
		_, err := s.db.NamedExec(`INSERT INTO security_events (id, ts, ip, method, path, reason, detail, country)
			VALUES (:id, :ts, :ip, :method, :path, :reason, :detail, :country)`, ev)
		if err != nil {
			logger.Error().Err(err).Msg("failed to persist security event")
			continue
		}
		inserts++
		if inserts%pruneEveryInserts == 0 {
			s.pruneEvents()
		}
	}
	close(s.done)
}

func (s *Store) pruneEvents() {
	_, err := s.db.Exec(`DELETE FROM security_events WHERE id NOT IN (
		SELECT id FROM security_events ORDER BY ts DESC LIMIT ?)`, eventRetentionRows)
	if err != nil {
		logger.Error().Err(err).Msg("failed to prune security events")
	}
}

// RecentEvents returns the newest limit audit rows.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	if limit <= 0 || limit > eventRetentionRows {
		limit = 100
	}
	var out []SecurityEvent
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, ts, ip, method, path, reason, detail, country
		 FROM security_events ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &DependencyError{Dep: "sqlite", Err: err}
	}
	return out, nil
}

// SaveBlockedIP upserts a blocklist row so manual blocks survive restarts.
func (s *Store) SaveBlockedIP(ctx context.Context, ip, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_ips (ip, reason, blocked_at) VALUES (?, ?, ?)
		 ON CONFLICT(ip) DO UPDATE SET reason = excluded.reason, blocked_at = excluded.blocked_at`,
		ip, reason, now.UTC())
	if err != nil {
		return &DependencyError{Dep: "sqlite", Err: err}
	}
	return nil
}

func (s *Store) DeleteBlockedIP(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip = ?`, ip)
	if err != nil {
		return &DependencyError{Dep: "sqlite", Err: err}
	}
	return nil
}

// LoadBlockedIPs returns the persisted blocklist, applied to the config
// store at startup.
func (s *Store) LoadBlockedIPs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT ip FROM blocked_ips ORDER BY ip`)
	if err != nil {
		return nil, &DependencyError{Dep: "sqlite", Err: err}
	}
	return out, nil
}

// SaveConfigSnapshot records who applied which config, for audit.
func (s *Store) SaveConfigSnapshot(ctx context.Context, cfg *Config, appliedBy string, now time.Time) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (id, ts, applied_by, config) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), now.UTC(), appliedBy, string(blob))
	if err != nil {
		return &DependencyError{Dep: "sqlite", Err: err}
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &DependencyError{Dep: "sqlite", Err: err}
	}
	return nil
}

// Close drains the event queue and shuts down the writer.
func (s *Store) Close() error {
	close(s.events)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("timed out waiting for event writer to drain")
	}
	return s.db.Close()
}
