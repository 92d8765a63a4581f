package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"listing-analytics/internal/model"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "la:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

type countingSource struct {
	listing, user, platform int
	err                     error
}

func (s *countingSource) GetListingAnalytics(_ context.Context, id string, _ int) (model.ListingAnalytics, error) {
	s.listing++
	return model.ListingAnalytics{ListingID: id, Views: 3, Contacts: 1, ConversionRate: 33.33}, s.err
}

func (s *countingSource) GetUserAnalytics(context.Context, string, int) (model.UserAnalytics, error) {
	s.user++
	return model.UserAnalytics{TotalListings: 2, TopPerformingListings: []model.ListingPerformance{}, RecentActivity: []model.DailyMetric{}}, s.err
}

func (s *countingSource) GetPlatformAnalytics(_ context.Context, days int) (model.PlatformAnalytics, error) {
	s.platform++
	return model.PlatformAnalytics{TotalUsers: int64(days)}, s.err
}

func TestRedisGetSet(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	var got model.DailyMetric
	hit, err := r.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, r.Set(ctx, "k", model.DailyMetric{Date: "2024-03-10", Count: 4}))
	require.True(t, mr.Exists("la:k"))
	require.Equal(t, time.Minute, mr.TTL("la:k"))

	hit, err = r.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, model.DailyMetric{Date: "2024-03-10", Count: 4}, got)

	mr.FastForward(2 * time.Minute)
	hit, err = r.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestRedisDropsCorruptEntries(t *testing.T) {
	r, mr := setupRedis(t)
	require.NoError(t, mr.Set("la:bad", "{not json"))

	var got model.DailyMetric
	hit, err := r.Get(context.Background(), "bad", &got)
	require.Error(t, err)
	require.False(t, hit)
	require.False(t, mr.Exists("la:bad"))
}

func TestRollupsReadThrough(t *testing.T) {
	store, _ := setupRedis(t)
	src := &countingSource{}
	log, _ := test.NewNullLogger()
	rollups := NewRollups(src, store, log)
	ctx := context.Background()

	first, err := rollups.GetListingAnalytics(ctx, "x", 30)
	require.NoError(t, err)
	second, err := rollups.GetListingAnalytics(ctx, "x", 30)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, src.listing)

	_, err = rollups.GetListingAnalytics(ctx, "x", 7)
	require.NoError(t, err)
	require.Equal(t, 2, src.listing)

	u, err := rollups.GetUserAnalytics(ctx, "seller", 30)
	require.NoError(t, err)
	require.Equal(t, 2, u.TotalListings)
	_, err = rollups.GetUserAnalytics(ctx, "seller", 30)
	require.NoError(t, err)
	require.Equal(t, 1, src.user)
}

func TestRollupsDoNotCacheErrors(t *testing.T) {
	store, mr := setupRedis(t)
	src := &countingSource{err: errors.New("clickhouse down")}
	rollups := NewRollups(src, store, nil)

	_, err := rollups.GetPlatformAnalytics(context.Background(), 30)
	require.Error(t, err)
	require.False(t, mr.Exists("la:"+PlatformKey(30)))
}

func TestRollupsSurviveCacheOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	log, hook := test.NewNullLogger()
	rollups := NewRollups(&countingSource{}, NewWithClient(client, "la:", time.Minute), log)

	got, err := rollups.GetPlatformAnalytics(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.TotalUsers)
	require.NotEmpty(t, hook.AllEntries())
}

func TestRefreshPlatform(t *testing.T) {
	store, mr := setupRedis(t)
	src := &countingSource{}
	rollups := NewRollups(src, store, nil)

	require.NoError(t, rollups.RefreshPlatform(context.Background(), 7, 30, 90))
	require.Equal(t, 3, src.platform)
	for _, days := range []int{7, 30, 90} {
		require.True(t, mr.Exists("la:"+PlatformKey(days)))
	}

	got, err := rollups.GetPlatformAnalytics(context.Background(), 90)
	require.NoError(t, err)
	require.Equal(t, int64(90), got.TotalUsers)
	require.Equal(t, 3, src.platform)
}

func TestRollupsWithoutStore(t *testing.T) {
	src := &countingSource{}
	rollups := NewRollups(src, nil, nil)
	_, err := rollups.GetListingAnalytics(context.Background(), "x", 30)
	require.NoError(t, err)
	_, err = rollups.GetListingAnalytics(context.Background(), "x", 30)
	require.NoError(t, err)
	require.Equal(t, 2, src.listing)
}
