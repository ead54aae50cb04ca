// Package audit persists a best-effort record of delivery acknowledgements
// and reachability transitions for offline diagnosis. Nothing in the
// transport's correctness depends on this package: every method degrades
// to a logged warning on failure rather than propagating an error that
// would block message delivery.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/logging"
)

// DeliveryRecord is one observed Delivered acknowledgement.
type DeliveryRecord struct {
	Peer                       address.Address
	DeliveredMessageIdentifier uint64
	ObservedAt                 time.Time
}

// ReachabilityRecord is one observed reachability transition for a peer.
type ReachabilityRecord struct {
	Peer         address.Address
	Reachability string
	ObservedAt   time.Time
}

// Sink receives audit events. Transport calls it from the hot send/receive
// paths, so every method must be non-blocking-cheap or return quickly on
// its own goroutine; PostgresSink does the latter.
type Sink interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord)
	RecordReachabilityChange(ctx context.Context, rec ReachabilityRecord)
	Close()
}

// NoopSink discards every event; the default when no DSN is configured.
type NoopSink struct{}

func (NoopSink) RecordDelivery(context.Context, DeliveryRecord)               {}
func (NoopSink) RecordReachabilityChange(context.Context, ReachabilityRecord) {}
func (NoopSink) Close()                                                       {}

// PostgresSink persists audit events via a pgxpool.Pool, matching the
// teacher's store-layer pattern of a thin struct wrapping a pool plus an
// ensureSchema bootstrap.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the audit tables exist.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: create postgres pool: %w", err)
	}

	s := &PostgresSink{pool: pool}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS delivery_audit (
			id BIGSERIAL PRIMARY KEY,
			peer_address TEXT NOT NULL,
			delivered_message_identifier BIGINT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_audit_peer ON delivery_audit(peer_address, observed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS reachability_audit (
			id BIGSERIAL PRIMARY KEY,
			peer_address TEXT NOT NULL,
			reachability TEXT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reachability_audit_peer ON reachability_audit(peer_address, observed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("audit: ensure schema: %w", err)
		}
	}
	return nil
}

// RecordDelivery inserts rec on its own background context so a slow or
// failing database never stalls the inbound pipeline that calls it.
func (s *PostgresSink) RecordDelivery(ctx context.Context, rec DeliveryRecord) {
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.pool.Exec(bg, `
			INSERT INTO delivery_audit (peer_address, delivered_message_identifier, observed_at)
			VALUES ($1, $2, $3)
		`, rec.Peer.Hex(), rec.DeliveredMessageIdentifier, rec.ObservedAt)
		if err != nil {
			logging.Op().Warn("audit: record delivery failed", "peer", rec.Peer, "err", err)
		}
	}()
}

// RecordReachabilityChange inserts rec on its own background context.
func (s *PostgresSink) RecordReachabilityChange(ctx context.Context, rec ReachabilityRecord) {
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.pool.Exec(bg, `
			INSERT INTO reachability_audit (peer_address, reachability, observed_at)
			VALUES ($1, $2, $3)
		`, rec.Peer.Hex(), rec.Reachability, rec.ObservedAt)
		if err != nil {
			logging.Op().Warn("audit: record reachability change failed", "peer", rec.Peer, "err", err)
		}
	}()
}

// Close releases the pool.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecentDeliveries returns the most recent delivery records for peer,
// newest first, for diagnostic tooling.
func (s *PostgresSink) RecentDeliveries(ctx context.Context, peer address.Address, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT peer_address, delivered_message_identifier, observed_at
		FROM delivery_audit
		WHERE peer_address = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, peer.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var addrHex string
		var rec DeliveryRecord
		if err := rows.Scan(&addrHex, &rec.DeliveredMessageIdentifier, &rec.ObservedAt); err != nil {
			return nil, fmt.Errorf("audit: scan delivery row: %w", err)
		}
		addr, err := address.FromHex(addrHex)
		if err != nil {
			continue
		}
		rec.Peer = addr
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent deliveries rows: %w", err)
	}
	return out, nil
}
