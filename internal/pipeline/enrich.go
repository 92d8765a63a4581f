package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"

	"listing-analytics/internal/model"
	"listing-analytics/internal/useragent"
)

// Request carries what the ingest API knows about the caller.
type Request struct {
	ClientID  string
	UserAgent string
	IP        string
}

// Enricher turns a track request into event metadata.
type Enricher struct {
	ipSalt string
	bots   []string
}

// NewEnricher builds an enricher that salts IP hashes with ipSalt and flags
// user agents matching any fragment of bots.
func NewEnricher(ipSalt string, bots []string) *Enricher {
	return &Enricher{ipSalt: ipSalt, bots: bots}
}

// IsBot reports whether the request comes from a denylisted user agent.
func (e *Enricher) IsBot(r Request) bool {
	return useragent.IsBot(r.UserAgent, e.bots)
}

// Metadata merges client supplied metadata with derived attributes. Derived
// keys win over client keys of the same name. The raw IP is never stored.
func (e *Enricher) Metadata(req model.TrackRequest, r Request) map[string]any {
	out := make(map[string]any, len(req.Metadata)+10)
	for k, v := range req.Metadata {
		out[k] = v
	}

	ua := useragent.Parse(r.UserAgent)
	out["device_type"] = ua.Device
	out["browser"] = ua.Browser
	out["os"] = ua.OS
	out["client_id"] = r.ClientID

	if req.PageURL != "" {
		out["page_url"] = req.PageURL
		source, medium, campaign := parseUTM(req.PageURL)
		setIfNotEmpty(out, "utm_source", source)
		setIfNotEmpty(out, "utm_medium", medium)
		setIfNotEmpty(out, "utm_campaign", campaign)
	}
	setIfNotEmpty(out, "referrer", req.Referrer)
	if r.IP != "" {
		out["ip_hash"] = hashIP(e.ipSalt, r.IP)
	}
	return out
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func parseUTM(rawURL string) (source, medium, campaign string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", ""
	}
	values := u.Query()
	return values.Get("utm_source"), values.Get("utm_medium"), values.Get("utm_campaign")
}

func hashIP(salt, ip string) string {
	hasher := sha256.New()
	hasher.Write([]byte(salt))
	hasher.Write([]byte(ip))
	return hex.EncodeToString(hasher.Sum(nil))
}
