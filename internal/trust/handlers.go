package trust

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/auth"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/realtime"
)

// Handler provides HTTP handlers for the trust API.
type Handler struct {
	service *Service
	hub     *realtime.Hub
}

// NewHandler creates a trust handler. hub may be nil, which disables the stream.
func NewHandler(service *Service, hub *realtime.Hub) *Handler {
	return &Handler{service: service, hub: hub}
}

// RegisterRoutes sets up the trust routes. Callers must install
// auth.Middleware on r; identity checks happen in the service.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trust/analyze", h.Analyze)
	r.GET("/trust/status", h.Status)
	r.GET("/trust/audit", h.Audit)
	r.POST("/trust/logins", h.RecordLogin)
	if h.hub != nil {
		r.GET("/trust/stream", h.Stream)
	}
}

// analysisSummary is the subset of features echoed back by Analyze.
type analysisSummary struct {
	AccountAgeDays      int  `json:"accountAgeDays"`
	OrderCount          int  `json:"orderCount"`
	CompletedOrderCount int  `json:"completedOrderCount"`
	ReviewCount         int  `json:"reviewCount"`
	FavoriteCount       int  `json:"favoriteCount"`
	HasEstablishment    bool `json:"hasEstablishment"`
	LoginCount          int  `json:"loginCount"`
}

// Analyze handles POST /v1/trust/analyze
func (h *Handler) Analyze(c *gin.Context) {
	a, err := h.service.Analyze(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		writeError(c, err, "Failed to analyze account")
		return
	}

	f := a.Features
	c.JSON(http.StatusOK, gin.H{
		"trustScore":       a.TrustScore,
		"verificationTier": a.Tier,
		"reasons":          a.Reasons,
		"penalties":        a.Penalties,
		"analysis": analysisSummary{
			AccountAgeDays:      f.AccountAgeDays,
			OrderCount:          f.OrderCount,
			CompletedOrderCount: f.CompletedOrderCount,
			ReviewCount:         f.ReviewCount,
			FavoriteCount:       f.FavoriteCount,
			HasEstablishment:    f.HasEstablishment,
			LoginCount:          f.LoginCount,
		},
	})
}

// Status handles GET /v1/trust/status
func (h *Handler) Status(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		writeError(c, err, "Failed to load trust status")
		return
	}
	c.JSON(http.StatusOK, st)
}

// Audit handles GET /v1/trust/audit?limit=N&cursor=C
func (h *Handler) Audit(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	page, err := h.service.AuditHistory(c.Request.Context(), auth.AccountID(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err, "Failed to load audit history")
		return
	}
	c.JSON(http.StatusOK, page)
}

// RecordLogin handles POST /v1/trust/logins
func (h *Handler) RecordLogin(c *gin.Context) {
	res, err := h.service.RecordLogin(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		writeError(c, err, "Failed to record login")
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// Stream handles GET /v1/trust/stream (WebSocket upgrade)
func (h *Handler) Stream(c *gin.Context) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		writeError(c, ErrUnauthenticated, "")
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, accountID)
}

func writeError(c *gin.Context, err error, internalMsg string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "Bearer token required",
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No trust profile for this account",
		})
	case errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "cursor is not valid for this account",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Trust profile changed during analysis, retry the request",
		})
	default:
		logging.L(c.Request.Context()).Error("trust request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": internalMsg,
		})
	}
}
