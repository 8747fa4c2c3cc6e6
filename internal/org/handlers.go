package org

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/relayci/console/internal/idgen"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._-]{1,62}[a-zA-Z0-9]$`)

// Handler provides HTTP endpoints for organization registration and status
// reads. Status rows are read-only for callers; only the reconciler writes.
type Handler struct {
	store Store
}

// NewHandler creates a new organization handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up organization routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/organizations", h.CreateOrganization)
	r.GET("/organizations/:id/status", h.GetStatus)
	r.GET("/organizations/:id/events", h.ListProcessedEvents)
}

// CreateOrganization handles POST /organizations. It creates the status record
// at its initial values; all later mutation happens through webhook events.
func (h *Handler) CreateOrganization(c *gin.Context) {
	var req struct {
		Name                 string `json:"name" binding:"required"`
		GithubInstallationID int64  `json:"githubInstallationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if !validName.MatchString(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_name",
			"message": "name must be 3-64 chars, alphanumeric with spaces/dots/hyphens",
		})
		return
	}

	o := New(idgen.WithPrefix("org_"), req.Name)
	o.GithubInstallationID = req.GithubInstallationID

	if err := h.store.Create(c.Request.Context(), o); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "org_exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, o)
}

// GetStatus handles GET /organizations/:id/status. It exposes the status pair
// and the derived decision for display; never a write path.
func (h *Handler) GetStatus(c *gin.Context) {
	o, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "org_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organizationId":     o.ID,
		"subscriptionStatus": o.SubscriptionStatus,
		"installationStatus": o.InstallationStatus,
		"accessDecision":     o.AccessDecision,
		"updatedAt":          o.UpdatedAt,
	})
}

// ListProcessedEvents handles GET /organizations/:id/events, exposing the
// dedup audit trail (each provider event id with its first-application outcome).
func (h *Handler) ListProcessedEvents(c *gin.Context) {
	o, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "org_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	events := o.ProcessedEvents
	if events == nil {
		events = []ProcessedEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
