package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"listing-analytics/internal/model"
)

// Postgres reads users and listings from the marketplace database. It never
// writes.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened handle.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// ListingsOwnedBy returns a seller's listings oldest first.
func (p *Postgres) ListingsOwnedBy(ctx context.Context, userID string) ([]model.Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, title, status, created_at
FROM listings
WHERE user_id = $1
ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, wrap("listings owned by user", err)
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		var l model.Listing
		if err := rows.Scan(&l.ID, &l.Title, &l.Status, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountUsers counts registered profiles.
func (p *Postgres) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, "count users", `SELECT count(*) FROM profiles`)
}

// CountListings counts every listing regardless of status.
func (p *Postgres) CountListings(ctx context.Context) (int64, error) {
	return p.count(ctx, "count listings", `SELECT count(*) FROM listings`)
}

// CountActiveListings counts published listings.
func (p *Postgres) CountActiveListings(ctx context.Context) (int64, error) {
	return p.count(ctx, "count active listings", `SELECT count(*) FROM listings WHERE status = $1`, model.ListingStatusActive)
}

// ListingCreationTimes returns creation timestamps of listings created at or
// after since.
func (p *Postgres) ListingCreationTimes(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT created_at FROM listings WHERE created_at >= $1`, since)
	if err != nil {
		return nil, wrap("listing creation times", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) count(ctx context.Context, what, query string, args ...any) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap(what, err)
	}
	return n, nil
}

// wrap adds the Postgres error code when the server reported one.
func wrap(what string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %s (%s): %w", what, pqErr.Code.Name(), pqErr.Code, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
