package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/analytics"
	"listing-analytics/internal/auth"
	"listing-analytics/internal/httpx"
	"listing-analytics/internal/model"
	"listing-analytics/internal/pipeline"
	"listing-analytics/pkg/batcher"
)

const maxBodyBytes = 64 << 10

// Tracker is the enqueue side of *analytics.Tracker.
type Tracker interface {
	Track(listingID string, eventType model.EventType, userID string, metadata map[string]any) error
}

// Ingest serves the public tracking endpoint.
type Ingest struct {
	tracker  Tracker
	clients  *auth.Clients
	enricher *pipeline.Enricher
	log      logrus.FieldLogger
}

// NewIngest wires the tracking endpoint.
func NewIngest(tracker Tracker, clients *auth.Clients, enricher *pipeline.Enricher, log logrus.FieldLogger) *Ingest {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ingest{tracker: tracker, clients: clients, enricher: enricher, log: log.WithField("component", "ingest")}
}

// RateLimitKey attributes a request to the client owning its api key.
// Unknown keys yield "" so they share the caller's IP bucket.
func RateLimitKey(clients *auth.Clients) func(*gin.Context) string {
	return func(c *gin.Context) string {
		id, ok := clients.ClientForKey(c.GetHeader(httpx.APIKeyHeader))
		if !ok {
			return ""
		}
		return "client:" + id
	}
}

// Register mounts the routes on r.
func (h *Ingest) Register(r gin.IRouter) {
	r.POST("/v1/track", h.track)
}

func (h *Ingest) track(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	var req model.TrackRequest
	if err := binding.JSON.BindBody(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id, listing_id and event_type are required"})
		return
	}
	if err := h.clients.Authenticate(req.ClientID, c.GetHeader(httpx.APIKeyHeader), body, c.GetHeader(httpx.SignatureHeader)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	meta := pipeline.Request{
		ClientID:  req.ClientID,
		UserAgent: c.GetHeader("User-Agent"),
		IP:        c.ClientIP(),
	}
	if h.enricher.IsBot(meta) {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}

	eventType, err := model.ParseEventType(req.EventType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = h.tracker.Track(req.ListingID, eventType, req.UserID, h.enricher.Metadata(req, meta))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, batcher.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	case analytics.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).Error("track event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue event"})
	}
}
