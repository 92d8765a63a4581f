package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/analytics"
	"listing-analytics/internal/cache"
)

const queryTimeout = 10 * time.Second

// Query serves the rollup endpoints.
type Query struct {
	rollups cache.Source
	log     logrus.FieldLogger
}

// NewQuery wires the rollup endpoints to src.
func NewQuery(src cache.Source, log logrus.FieldLogger) *Query {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Query{rollups: src, log: log.WithField("component", "query")}
}

// Register mounts the routes on r.
func (h *Query) Register(r gin.IRouter) {
	r.GET("/v1/listings/:id/analytics", h.listing)
	r.GET("/v1/users/:id/analytics", h.user)
	r.GET("/v1/platform/analytics", h.platform)
}

func (h *Query) listing(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	out, err := h.rollups.GetListingAnalytics(ctx, c.Param("id"), days)
	h.respond(c, out, err)
}

func (h *Query) user(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	out, err := h.rollups.GetUserAnalytics(ctx, c.Param("id"), days)
	h.respond(c, out, err)
}

func (h *Query) platform(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	out, err := h.rollups.GetPlatformAnalytics(ctx, days)
	h.respond(c, out, err)
}

func (h *Query) respond(c *gin.Context, body any, err error) {
	switch {
	case err == nil:
		c.Header("Cache-Control", "private, max-age=30")
		c.JSON(http.StatusOK, body)
	case analytics.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("rollup query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
	}
}

func parseDays(c *gin.Context) (int, bool) {
	raw := c.Query("days")
	if raw == "" {
		return analytics.DefaultDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer"})
		return 0, false
	}
	return days, true
}
