package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"listing-analytics/internal/model"
)

const (
	dayLayout   = "2006-01-02"
	topListings = 5
)

// WindowStart returns UTC midnight of the oldest day in a days-long window
// ending on the day of now.
func WindowStart(days int, now time.Time) time.Time {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if days <= 0 {
		return today
	}
	return today.AddDate(0, 0, -(days - 1))
}

// dayKeys lists the window's days oldest first.
func dayKeys(days int, now time.Time) []string {
	if days <= 0 {
		return nil
	}
	start := WindowStart(days, now)
	keys := make([]string, days)
	for i := range keys {
		keys[i] = start.AddDate(0, 0, i).Format(dayLayout)
	}
	return keys
}

// AggregateDailyTimestamps counts timestamps per UTC day over the window.
// Every day is present, zero-filled; timestamps outside the window are ignored.
func AggregateDailyTimestamps(ts []time.Time, days int, now time.Time) []model.DailyMetric {
	keys := dayKeys(days, now)
	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k] = 0
	}
	for _, t := range ts {
		k := t.UTC().Format(dayLayout)
		if _, ok := counts[k]; ok {
			counts[k]++
		}
	}
	out := make([]model.DailyMetric, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.DailyMetric{Date: k, Count: counts[k]})
	}
	return out
}

// AggregateDailyMetrics counts events per UTC day over the window.
func AggregateDailyMetrics(events []model.EventRecord, days int, now time.Time) []model.DailyMetric {
	ts := make([]time.Time, len(events))
	for i, e := range events {
		ts[i] = e.CreatedAt
	}
	return AggregateDailyTimestamps(ts, days, now)
}

// AggregateDailyUniqueUsers counts distinct user ids per UTC day. Anonymous
// events do not contribute.
func AggregateDailyUniqueUsers(events []model.EventRecord, days int, now time.Time) []model.DailyMetric {
	keys := dayKeys(days, now)
	users := make(map[string]map[string]struct{}, len(keys))
	for _, k := range keys {
		users[k] = make(map[string]struct{})
	}
	for _, e := range events {
		if e.UserID == "" {
			continue
		}
		if set, ok := users[e.CreatedAt.UTC().Format(dayLayout)]; ok {
			set[e.UserID] = struct{}{}
		}
	}
	out := make([]model.DailyMetric, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.DailyMetric{Date: k, Count: len(users[k])})
	}
	return out
}

// Round2 rounds half away from zero to two decimal places, treating x as the
// shortest decimal that prints it, so 2.675 becomes 2.68.
func Round2(x float64) float64 {
	return decimal.NewFromFloat(x).Round(2).InexactFloat64()
}

// ratio2 is num/den rounded to two decimal places without a binary
// intermediate.
func ratio2(num, den int) float64 {
	return decimal.NewFromInt(int64(num)).Div(decimal.NewFromInt(int64(den))).Round(2).InexactFloat64()
}

// ConversionRate is contacts per view as a percentage, rounded to 2dp.
func ConversionRate(contacts, views int) float64 {
	if contacts <= 0 || views <= 0 {
		return 0
	}
	return ratio2(contacts*100, views)
}

func average(total, n int) float64 {
	if n <= 0 {
		return 0
	}
	return ratio2(total, n)
}

func filterByType(events []model.EventRecord, t model.EventType) []model.EventRecord {
	out := make([]model.EventRecord, 0, len(events))
	for _, e := range events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func countByType(events []model.EventRecord) map[model.EventType]int {
	counts := make(map[model.EventType]int, 4)
	for _, e := range events {
		counts[e.EventType]++
	}
	return counts
}

// BuildListingAnalytics rolls up one listing's events.
func BuildListingAnalytics(listingID string, events []model.EventRecord, days int, now time.Time) model.ListingAnalytics {
	counts := countByType(events)
	return model.ListingAnalytics{
		ListingID:      listingID,
		Views:          counts[model.EventView],
		Contacts:       counts[model.EventContact],
		Saves:          counts[model.EventSave],
		Shares:         counts[model.EventShare],
		ConversionRate: ConversionRate(counts[model.EventContact], counts[model.EventView]),
		DailyViews:     AggregateDailyMetrics(filterByType(events, model.EventView), days, now),
		DailyContacts:  AggregateDailyMetrics(filterByType(events, model.EventContact), days, now),
	}
}

type listingTotals struct {
	views, contacts, saves int
}

// BuildUserAnalytics rolls up a seller's listings. listings must be in
// directory fetch order; it breaks ties between equally viewed listings.
func BuildUserAnalytics(listings []model.Listing, events []model.EventRecord, days int, now time.Time) model.UserAnalytics {
	if len(listings) == 0 {
		return model.UserAnalytics{
			TopPerformingListings: []model.ListingPerformance{},
			RecentActivity:        []model.DailyMetric{},
		}
	}

	active := 0
	for _, l := range listings {
		if l.Status == model.ListingStatusActive {
			active++
		}
	}

	perListing := make(map[string]*listingTotals, len(listings))
	var total listingTotals
	for _, e := range events {
		t := perListing[e.ListingID]
		if t == nil {
			t = &listingTotals{}
			perListing[e.ListingID] = t
		}
		switch e.EventType {
		case model.EventView:
			t.views++
			total.views++
		case model.EventContact:
			t.contacts++
			total.contacts++
		case model.EventSave:
			t.saves++
			total.saves++
		}
	}

	perf := make([]model.ListingPerformance, 0, len(listings))
	for _, l := range listings {
		t := perListing[l.ID]
		if t == nil {
			t = &listingTotals{}
		}
		perf = append(perf, model.ListingPerformance{
			ListingID:      l.ID,
			Title:          l.Title,
			Views:          t.views,
			Contacts:       t.contacts,
			Saves:          t.saves,
			ConversionRate: ConversionRate(t.contacts, t.views),
			CreatedAt:      l.CreatedAt,
		})
	}
	sort.SliceStable(perf, func(i, j int) bool { return perf[i].Views > perf[j].Views })
	if len(perf) > topListings {
		perf = perf[:topListings]
	}

	return model.UserAnalytics{
		TotalListings:             len(listings),
		ActiveListings:            active,
		TotalViews:                total.views,
		TotalContacts:             total.contacts,
		TotalSaves:                total.saves,
		AverageViewsPerListing:    average(total.views, len(listings)),
		AverageContactsPerListing: average(total.contacts, len(listings)),
		ConversionRate:            ConversionRate(total.contacts, total.views),
		TopPerformingListings:     perf,
		RecentActivity:            AggregateDailyMetrics(filterByType(events, model.EventView), days, now),
	}
}

// PlatformTotals are the directory counts feeding the platform rollup.
type PlatformTotals struct {
	Users          int64
	Listings       int64
	ActiveListings int64
}

// BuildPlatformAnalytics rolls up window events and listing creation times.
func BuildPlatformAnalytics(totals PlatformTotals, events []model.EventRecord, listingCreated []time.Time, days int, now time.Time) model.PlatformAnalytics {
	users := make(map[string]struct{})
	for _, e := range events {
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	views := filterByType(events, model.EventView)
	counts := countByType(events)
	return model.PlatformAnalytics{
		TotalUsers:       totals.Users,
		ActiveUsers:      len(users),
		TotalListings:    totals.Listings,
		ActiveListings:   totals.ActiveListings,
		TotalViews:       counts[model.EventView],
		TotalContacts:    counts[model.EventContact],
		DailyActiveUsers: AggregateDailyUniqueUsers(events, days, now),
		DailyNewListings: AggregateDailyTimestamps(listingCreated, days, now),
		DailyViews:       AggregateDailyMetrics(views, days, now),
	}
}
