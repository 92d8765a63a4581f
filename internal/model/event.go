package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies the kind of listing interaction.
type EventType string

const (
	EventView    EventType = "view"
	EventContact EventType = "contact"
	EventSave    EventType = "save"
	EventShare   EventType = "share"
)

// ErrUnknownEventType is returned when an event type is not one of the tracked kinds.
var ErrUnknownEventType = errors.New("unknown event type")

// ParseEventType normalizes and validates an event type string.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(s))); t {
	case EventView, EventContact, EventSave, EventShare:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
}

// Event is one recorded interaction against a listing. UserID is empty for
// anonymous visitors.
type Event struct {
	ID        string         `json:"id"`
	ListingID string         `json:"listing_id"`
	UserID    string         `json:"user_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TrackRequest is the payload accepted by the public ingest API.
type TrackRequest struct {
	ClientID  string         `json:"client_id" binding:"required"`
	ListingID string         `json:"listing_id" binding:"required"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type" binding:"required"`
	PageURL   string         `json:"page_url"`
	Referrer  string         `json:"referrer"`
	Metadata  map[string]any `json:"metadata"`
}

// EventRecord is the read-side projection of a stored event.
type EventRecord struct {
	ListingID string
	UserID    string
	EventType EventType
	CreatedAt time.Time
}

// Listing is the directory projection of a marketplace listing.
type Listing struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ListingStatusActive marks listings that are currently published.
const ListingStatusActive = "active"
