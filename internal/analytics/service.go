package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/model"
)

const (
	// DefaultDays is the rollup window when callers do not pick one.
	DefaultDays = 30
	// MaxDays bounds the rollup window.
	MaxDays = 365
)

// ErrInvalidDays is returned for windows outside 1..MaxDays.
var ErrInvalidDays = fmt.Errorf("days must be between 1 and %d", MaxDays)

// Service computes rollups from the event log on demand. It holds no mutable
// state and is safe for concurrent use.
type Service struct {
	events EventReader
	dir    Directory
	clock  clockwork.Clock
	log    logrus.FieldLogger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithServiceClock sets the clock that decides "today".
func WithServiceClock(c clockwork.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// NewService wires the aggregator to its collaborators.
func NewService(events EventReader, dir Directory, log logrus.FieldLogger, opts ...ServiceOption) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Service{
		events: events,
		dir:    dir,
		clock:  clockwork.NewRealClock(),
		log:    log.WithField("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateDays(days int) error {
	if days < 1 || days > MaxDays {
		return ErrInvalidDays
	}
	return nil
}

// GetListingAnalytics returns the rollup for one listing over the last days.
func (s *Service) GetListingAnalytics(ctx context.Context, listingID string, days int) (model.ListingAnalytics, error) {
	if listingID == "" {
		return model.ListingAnalytics{}, ErrListingRequired
	}
	if err := validateDays(days); err != nil {
		return model.ListingAnalytics{}, err
	}
	now := s.clock.Now()
	events, err := s.events.QueryEvents(ctx, EventQuery{
		ListingIDs: []string{listingID},
		Since:      WindowStart(days, now),
	})
	if err != nil {
		return model.ListingAnalytics{}, fmt.Errorf("query listing events: %w", err)
	}
	return BuildListingAnalytics(listingID, events, days, now), nil
}

// GetUserAnalytics returns the rollup across every listing userID owns.
func (s *Service) GetUserAnalytics(ctx context.Context, userID string, days int) (model.UserAnalytics, error) {
	if userID == "" {
		return model.UserAnalytics{}, ErrUserRequired
	}
	if err := validateDays(days); err != nil {
		return model.UserAnalytics{}, err
	}
	now := s.clock.Now()
	listings, err := s.dir.ListingsOwnedBy(ctx, userID)
	if err != nil {
		return model.UserAnalytics{}, fmt.Errorf("list user listings: %w", err)
	}
	if len(listings) == 0 {
		return BuildUserAnalytics(nil, nil, days, now), nil
	}

	ids := make([]string, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	events, err := s.events.QueryEvents(ctx, EventQuery{
		ListingIDs: ids,
		Since:      WindowStart(days, now),
	})
	if err != nil {
		return model.UserAnalytics{}, fmt.Errorf("query user listing events: %w", err)
	}
	return BuildUserAnalytics(listings, events, days, now), nil
}

// GetPlatformAnalytics returns the global rollup.
func (s *Service) GetPlatformAnalytics(ctx context.Context, days int) (model.PlatformAnalytics, error) {
	if err := validateDays(days); err != nil {
		return model.PlatformAnalytics{}, err
	}
	now := s.clock.Now()
	since := WindowStart(days, now)

	var totals PlatformTotals
	var err error
	if totals.Users, err = s.dir.CountUsers(ctx); err != nil {
		return model.PlatformAnalytics{}, fmt.Errorf("count users: %w", err)
	}
	if totals.Listings, err = s.dir.CountListings(ctx); err != nil {
		return model.PlatformAnalytics{}, fmt.Errorf("count listings: %w", err)
	}
	if totals.ActiveListings, err = s.dir.CountActiveListings(ctx); err != nil {
		return model.PlatformAnalytics{}, fmt.Errorf("count active listings: %w", err)
	}
	created, err := s.dir.ListingCreationTimes(ctx, since)
	if err != nil {
		return model.PlatformAnalytics{}, fmt.Errorf("list new listings: %w", err)
	}
	events, err := s.events.QueryEvents(ctx, EventQuery{Since: since})
	if err != nil {
		return model.PlatformAnalytics{}, fmt.Errorf("query platform events: %w", err)
	}
	s.log.WithFields(logrus.Fields{"days": days, "events": len(events)}).Debug("platform rollup computed")
	return BuildPlatformAnalytics(totals, events, created, days, now), nil
}

// IsClientError reports whether err was caused by caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDays) ||
		errors.Is(err, ErrListingRequired) ||
		errors.Is(err, ErrUserRequired) ||
		errors.Is(err, model.ErrUnknownEventType)
}
