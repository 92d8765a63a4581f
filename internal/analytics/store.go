package analytics

import (
	"context"
	"time"

	"listing-analytics/internal/model"
)

// Sink durably appends a batch of events. An error means none of the batch
// should be considered persisted.
type Sink interface {
	AppendEvents(ctx context.Context, events []model.Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, events []model.Event) error

// AppendEvents calls f.
func (f SinkFunc) AppendEvents(ctx context.Context, events []model.Event) error {
	return f(ctx, events)
}

// EventQuery filters the event log. Zero values mean "no filter".
type EventQuery struct {
	ListingIDs   []string
	EventType    model.EventType
	Since        time.Time
	WithUserOnly bool
}

// EventReader scans the event log for the aggregator.
type EventReader interface {
	QueryEvents(ctx context.Context, q EventQuery) ([]model.EventRecord, error)
}

// Directory answers questions about users and listings that live outside
// the event log.
type Directory interface {
	ListingsOwnedBy(ctx context.Context, userID string) ([]model.Listing, error)
	CountUsers(ctx context.Context) (int64, error)
	CountListings(ctx context.Context) (int64, error)
	CountActiveListings(ctx context.Context) (int64, error)
	ListingCreationTimes(ctx context.Context, since time.Time) ([]time.Time, error)
}
