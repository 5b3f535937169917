package http

import (
	"net/http"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	apperrors "github.com/Parr-Marketing/Dicksword/pkg/errors"
	"github.com/Parr-Marketing/Dicksword/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecencyHandler exposes the "people you met" query: identities recently
// co-present with the caller in a voice room, excluding existing contacts.
type RecencyHandler struct {
	recency ports.RecencyLedger
	// window is the configured maximum lookback; requests may narrow it
	// but never widen it.
	window time.Duration
	logger *logger.ContextLogger
}

func NewRecencyHandler(recency ports.RecencyLedger, window time.Duration, log *zap.SugaredLogger) *RecencyHandler {
	return &RecencyHandler{
		recency: recency,
		window:  window,
		logger:  logger.NewContextLogger(log),
	}
}

func (h *RecencyHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/recent", h.RecentlySeen)
}

type recencyEntryResponse struct {
	IdentityID domain.IdentityID `json:"identity_id"`
	LastSeen   time.Time         `json:"last_seen"`
}

func (h *RecencyHandler) RecentlySeen(c *gin.Context) {
	raw, exists := c.Get("identity")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	identity := raw.(domain.Identity)

	window := h.window
	if s := c.Query("window"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil || parsed <= 0 {
			c.Error(apperrors.InvalidInput("window must be a positive duration").WithField("window", s))
			return
		}
		if parsed < window {
			window = parsed
		}
	}

	ctx := c.Request.Context()
	entries, err := h.recency.RecentlySeen(ctx, identity.ID, window)
	if err != nil {
		h.logger.With(ctx).Errorw("recency query failed", "identity", identity.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recency query failed"})
		return
	}

	h.logger.With(ctx).Debugw("recency query served",
		"identity", identity.ID,
		"window", window,
		"entries", len(entries),
	)

	out := make([]recencyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, recencyEntryResponse{
			IdentityID: e.Observed,
			LastSeen:   e.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "window": window.String()})
}
