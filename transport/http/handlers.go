package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/service"
)

// AdminHandlers contains HTTP handlers for the admin API
type AdminHandlers struct {
	registry *service.AddressRegistry
	broker   *service.PermissionBroker
}

// NewAdminHandlers creates new admin handlers
func NewAdminHandlers(registry *service.AddressRegistry, broker *service.PermissionBroker) *AdminHandlers {
	return &AdminHandlers{
		registry: registry,
		broker:   broker,
	}
}

type registryEntryResponse struct {
	Address    string     `json:"address"`
	Endpoint   string     `json:"endpoint"`
	Meta       string     `json:"meta,omitempty"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

func toEntryResponse(e *core.RegistryEntry) registryEntryResponse {
	resp := registryEntryResponse{
		Address:  e.Address,
		Endpoint: e.Endpoint,
		Meta:     e.Meta,
		Verified: e.Provenance.Verified,
	}
	if e.Provenance.Verified {
		at := e.Provenance.VerifiedAt
		resp.VerifiedAt = &at
	}
	return resp
}

// Me returns the admin session behind the request
func (h *AdminHandlers) Me(c *gin.Context) {
	session, ok := c.Get(sessionKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	s := session.(*core.AdminSession)
	c.JSON(http.StatusOK, gin.H{
		"subject":    s.Subject,
		"session_id": s.ID,
		"expires_at": s.ExpiresAt,
	})
}

// ListRegistry returns every verified registry entry
func (h *AdminHandlers) ListRegistry(c *gin.Context) {
	entries, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list registry"})
		return
	}

	resp := make([]registryEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toEntryResponse(&entries[i]))
	}
	c.JSON(http.StatusOK, gin.H{"entries": resp, "count": len(resp)})
}

// GetRegistryEntry returns one entry, verified or not
func (h *AdminHandlers) GetRegistryEntry(c *gin.Context) {
	entry, err := h.registry.Get(c.Request.Context(), c.Param("identity"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get entry"})
		return
	}
	c.JSON(http.StatusOK, toEntryResponse(entry))
}

// DeleteRegistryEntry removes an entry without proof of possession
func (h *AdminHandlers) DeleteRegistryEntry(c *gin.Context) {
	deleted, err := h.registry.Remove(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete entry"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type permissionResponse struct {
	ID            string                `json:"id"`
	Requester     string                `json:"requester"`
	RequesterHint string                `json:"requester_hint,omitempty"`
	Target        string                `json:"target"`
	Status        core.PermissionStatus `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	RespondedAt   *time.Time            `json:"responded_at,omitempty"`
	ExpiresAt     time.Time             `json:"expires_at"`
}

func toPermissionResponse(r *core.PermissionRequest) permissionResponse {
	return permissionResponse{
		ID:            r.ID,
		Requester:     r.Requester,
		RequesterHint: r.RequesterHint,
		Target:        r.Target,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		RespondedAt:   r.RespondedAt,
		ExpiresAt:     r.ExpiresAt,
	}
}

// GetPermission returns a permission request
func (h *AdminHandlers) GetPermission(c *gin.Context) {
	req, err := h.broker.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get request"})
		return
	}
	c.JSON(http.StatusOK, toPermissionResponse(req))
}

// ListPending returns the pending requests addressed to the target query parameter
func (h *AdminHandlers) ListPending(c *gin.Context) {
	var query struct {
		Target string `form:"target" binding:"required"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	pending, err := h.broker.ListPendingFor(c.Request.Context(), query.Target)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list requests"})
		return
	}

	resp := make([]permissionResponse, 0, len(pending))
	for i := range pending {
		resp = append(resp, toPermissionResponse(&pending[i]))
	}
	c.JSON(http.StatusOK, gin.H{"requests": resp, "count": len(resp)})
}
