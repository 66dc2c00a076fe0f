package notification

import (
	"strconv"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type listHandler struct {
	svc *Service
}

func (h *listHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
}

type notificationResponse struct {
	ID        string                     `json:"id"`
	Kind      string                     `json:"kind"`
	Severity  string                     `json:"severity"`
	Title     string                     `json:"title"`
	Body      string                     `json:"body"`
	Details   domain.NotificationDetails `json:"details,omitempty"`
	CreatedAt string                     `json:"createdAt"`
}

func (h *listHandler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	items, err := h.svc.List(c.Request.Context(), limit)
	if httpkit.HandleError(c, err) {
		return
	}

	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, notificationResponse{
			ID:        n.ID.String(),
			Kind:      string(n.Kind),
			Severity:  string(n.Severity),
			Title:     n.Title,
			Body:      n.Body,
			Details:   n.Details,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	httpkit.OK(c, gin.H{"items": out, "limit": limit})
}
