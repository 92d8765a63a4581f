package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/model"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "analytics_rollup_cache_lookups_total",
	Help: "Rollup cache lookups by kind and result",
}, []string{"kind", "result"})

// Source computes rollups. *analytics.Service satisfies it.
type Source interface {
	GetListingAnalytics(ctx context.Context, listingID string, days int) (model.ListingAnalytics, error)
	GetUserAnalytics(ctx context.Context, userID string, days int) (model.UserAnalytics, error)
	GetPlatformAnalytics(ctx context.Context, days int) (model.PlatformAnalytics, error)
}

// Rollups is a read-through cache in front of a Source. Cache failures are
// logged and fall back to the source; they never fail a request.
type Rollups struct {
	src   Source
	store *Redis
	log   logrus.FieldLogger
}

// NewRollups wraps src. A nil store disables caching.
func NewRollups(src Source, store *Redis, log logrus.FieldLogger) *Rollups {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Rollups{src: src, store: store, log: log.WithField("component", "rollup_cache")}
}

// GetListingAnalytics implements Source.
func (r *Rollups) GetListingAnalytics(ctx context.Context, listingID string, days int) (model.ListingAnalytics, error) {
	return readThrough(ctx, r, "listing", ListingKey(listingID, days), func() (model.ListingAnalytics, error) {
		return r.src.GetListingAnalytics(ctx, listingID, days)
	})
}

// GetUserAnalytics implements Source.
func (r *Rollups) GetUserAnalytics(ctx context.Context, userID string, days int) (model.UserAnalytics, error) {
	return readThrough(ctx, r, "user", UserKey(userID, days), func() (model.UserAnalytics, error) {
		return r.src.GetUserAnalytics(ctx, userID, days)
	})
}

// GetPlatformAnalytics implements Source.
func (r *Rollups) GetPlatformAnalytics(ctx context.Context, days int) (model.PlatformAnalytics, error) {
	return readThrough(ctx, r, "platform", PlatformKey(days), func() (model.PlatformAnalytics, error) {
		return r.src.GetPlatformAnalytics(ctx, days)
	})
}

// RefreshPlatform recomputes and stores the platform rollup for each window.
func (r *Rollups) RefreshPlatform(ctx context.Context, windows ...int) error {
	for _, days := range windows {
		v, err := r.src.GetPlatformAnalytics(ctx, days)
		if err != nil {
			return err
		}
		if r.store == nil {
			continue
		}
		if err := r.store.Set(ctx, PlatformKey(days), v); err != nil {
			return err
		}
	}
	return nil
}

func readThrough[T any](ctx context.Context, r *Rollups, kind, key string, compute func() (T, error)) (T, error) {
	if r.store != nil {
		var cached T
		hit, err := r.store.Get(ctx, key, &cached)
		if err != nil {
			r.log.WithError(err).WithField("key", key).Warn("rollup cache read failed")
		}
		if hit {
			lookups.WithLabelValues(kind, "hit").Inc()
			return cached, nil
		}
		lookups.WithLabelValues(kind, "miss").Inc()
	}

	v, err := compute()
	if err != nil {
		return v, err
	}
	if r.store != nil {
		if err := r.store.Set(ctx, key, v); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("rollup cache write failed")
		}
	}
	return v, nil
}
