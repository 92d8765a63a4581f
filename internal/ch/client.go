package ch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"listing-analytics/internal/analytics"
	"listing-analytics/internal/model"
)

// Client wraps a ClickHouse connection holding the analytics event log.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a ClickHouse client from a DSN.
func New(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db, now: time.Now}
}

// Close releases database resources.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// EnsureSchema creates the analytics_events table if it does not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS analytics_events
(
  event_id         String,
  listing_id       String,
  user_id          String,
  event_type       LowCardinality(String),
  created_at       DateTime64(3, 'UTC'),
  event_date       Date,
  device_type      LowCardinality(String),
  browser          LowCardinality(String),
  os               LowCardinality(String),
  utm_source       LowCardinality(String),
  utm_medium       LowCardinality(String),
  utm_campaign     LowCardinality(String),
  ip_hash          String,
  metadata         String,
  _ingested_at     DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (listing_id, event_date, event_type, created_at)`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

const insertEvent = `
INSERT INTO analytics_events (
	event_id, listing_id, user_id, event_type, created_at, event_date,
	device_type, browser, os, utm_source, utm_medium, utm_campaign,
	ip_hash, metadata, _ingested_at
) VALUES (
	?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
)`

// AppendEvents writes a batch in one transaction. Any row failure rolls back
// the whole batch.
func (c *Client) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	ingested := c.now().UTC()
	for _, evt := range events {
		metadata := "{}"
		if len(evt.Metadata) > 0 {
			raw, err := json.Marshal(evt.Metadata)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode metadata for %s: %w", evt.ID, err)
			}
			metadata = string(raw)
		}
		created := evt.CreatedAt.UTC()
		if _, err := stmt.ExecContext(
			ctx,
			evt.ID,
			evt.ListingID,
			evt.UserID,
			string(evt.EventType),
			created,
			time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC),
			metaString(evt.Metadata, "device_type"),
			metaString(evt.Metadata, "browser"),
			metaString(evt.Metadata, "os"),
			metaString(evt.Metadata, "utm_source"),
			metaString(evt.Metadata, "utm_medium"),
			metaString(evt.Metadata, "utm_campaign"),
			metaString(evt.Metadata, "ip_hash"),
			metadata,
			ingested,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func metaString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// QueryEvents scans the event log. Results are ordered by creation time.
func (c *Client) QueryEvents(ctx context.Context, q analytics.EventQuery) ([]model.EventRecord, error) {
	query, args := buildEventQuery(q)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var rec model.EventRecord
		var eventType string
		if err := rows.Scan(&rec.ListingID, &rec.UserID, &eventType, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.EventType = model.EventType(eventType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildEventQuery(q analytics.EventQuery) (string, []any) {
	var where []string
	var args []any
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(q.ListingIDs) > 0 {
		marks := make([]string, len(q.ListingIDs))
		for i, id := range q.ListingIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "listing_id IN ("+strings.Join(marks, ", ")+")")
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.EventType))
	}
	if q.WithUserOnly {
		where = append(where, "user_id != ''")
	}

	var b strings.Builder
	b.WriteString("SELECT listing_id, user_id, event_type, created_at FROM analytics_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC")
	return b.String(), args
}

// CountEvents returns the total rows, useful for tests.
func (c *Client) CountEvents(ctx context.Context) (int64, error) {
	row := c.db.QueryRowContext(ctx, `SELECT count() FROM analytics_events`)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// Ping ensures the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	return nil
}
