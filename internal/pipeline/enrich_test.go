package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"listing-analytics/internal/model"
)

func TestMetadataAddsDerivedAttributes(t *testing.T) {
	e := NewEnricher("salt", []string{"bot"})
	req := model.TrackRequest{
		ClientID:  "web",
		ListingID: "l1",
		EventType: "view",
		PageURL:   "https://market.example/listings/l1?utm_source=newsletter&utm_medium=email&utm_campaign=spring",
		Referrer:  "https://google.com",
		Metadata:  map[string]any{"position": 3.0, "browser": "spoofed"},
	}

	md := e.Metadata(req, Request{
		ClientID:  "web",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/90.0",
		IP:        "1.2.3.4",
	})
	require.Equal(t, "newsletter", md["utm_source"])
	require.Equal(t, "email", md["utm_medium"])
	require.Equal(t, "spring", md["utm_campaign"])
	require.Equal(t, "chrome", md["browser"])
	require.Equal(t, "desktop", md["device_type"])
	require.Equal(t, "windows", md["os"])
	require.Equal(t, "https://google.com", md["referrer"])
	require.Equal(t, "web", md["client_id"])
	require.Equal(t, 3.0, md["position"])
	require.Len(t, md["ip_hash"], 64)
	require.NotContains(t, md, "ip")
}

func TestMetadataHashIsSaltedAndStable(t *testing.T) {
	req := model.TrackRequest{ListingID: "l1", EventType: "view"}
	r := Request{IP: "10.0.0.1"}
	a := NewEnricher("a", nil).Metadata(req, r)["ip_hash"]
	again := NewEnricher("a", nil).Metadata(req, r)["ip_hash"]
	b := NewEnricher("b", nil).Metadata(req, r)["ip_hash"]
	require.Equal(t, a, again)
	require.NotEqual(t, a, b)
}

func TestMetadataSkipsEmptyFields(t *testing.T) {
	md := NewEnricher("salt", nil).Metadata(model.TrackRequest{ListingID: "l1"}, Request{})
	require.NotContains(t, md, "utm_source")
	require.NotContains(t, md, "page_url")
	require.NotContains(t, md, "ip_hash")
	require.Equal(t, "unknown", md["device_type"])
}

func TestIsBot(t *testing.T) {
	e := NewEnricher("salt", []string{"bot", "spider"})
	require.True(t, e.IsBot(Request{UserAgent: "Googlebot/2.1"}))
	require.False(t, e.IsBot(Request{UserAgent: "Mozilla/5.0"}))
}
