package model

import "time"

// DailyMetric is one calendar day (UTC) of a series.
type DailyMetric struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// ListingAnalytics is the per-listing rollup.
type ListingAnalytics struct {
	ListingID      string        `json:"listing_id"`
	Views          int           `json:"views"`
	Contacts       int           `json:"contacts"`
	Saves          int           `json:"saves"`
	Shares         int           `json:"shares"`
	ConversionRate float64       `json:"conversion_rate"`
	DailyViews     []DailyMetric `json:"daily_views"`
	DailyContacts  []DailyMetric `json:"daily_contacts"`
}

// ListingPerformance summarizes one listing inside a seller rollup.
type ListingPerformance struct {
	ListingID      string    `json:"listing_id"`
	Title          string    `json:"title"`
	Views          int       `json:"views"`
	Contacts       int       `json:"contacts"`
	Saves          int       `json:"saves"`
	ConversionRate float64   `json:"conversion_rate"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserAnalytics aggregates across every listing a seller owns.
type UserAnalytics struct {
	TotalListings             int                  `json:"total_listings"`
	ActiveListings            int                  `json:"active_listings"`
	TotalViews                int                  `json:"total_views"`
	TotalContacts             int                  `json:"total_contacts"`
	TotalSaves                int                  `json:"total_saves"`
	AverageViewsPerListing    float64              `json:"average_views_per_listing"`
	AverageContactsPerListing float64              `json:"average_contacts_per_listing"`
	ConversionRate            float64              `json:"conversion_rate"`
	TopPerformingListings     []ListingPerformance `json:"top_performing_listings"`
	RecentActivity            []DailyMetric        `json:"recent_activity"`
}

// PlatformAnalytics is the global rollup.
type PlatformAnalytics struct {
	TotalUsers       int64         `json:"total_users"`
	ActiveUsers      int           `json:"active_users"`
	TotalListings    int64         `json:"total_listings"`
	ActiveListings   int64         `json:"active_listings"`
	TotalViews       int           `json:"total_views"`
	TotalContacts    int           `json:"total_contacts"`
	DailyActiveUsers []DailyMetric `json:"daily_active_users"`
	DailyNewListings []DailyMetric `json:"daily_new_listings"`
	DailyViews       []DailyMetric `json:"daily_views"`
}
