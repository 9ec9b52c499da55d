package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/boodymasoud7/netaq-crm-sub002/server/common/auth"
	"github.com/boodymasoud7/netaq-crm-sub002/server/common/middleware"
	"github.com/boodymasoud7/netaq-crm-sub002/server/common/transport/httpresp"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/service"
)

type Handler struct {
	engine *service.Engine
	auth   *auth.Service
	roles  []string
}

func NewHandler(engine *service.Engine, authSvc *auth.Service, privilegedRoles []string) *Handler {
	return &Handler{engine: engine, auth: authSvc, roles: privilegedRoles}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifier"})
	})

	privileged := middleware.RequireRoles(h.roles...)

	v1 := r.Group("/api/v1", middleware.AuthRequired(h.auth))
	{
		notifications := v1.Group("/notifications")
		{
			notifications.GET("", h.listNotifications)
			notifications.GET("/unread-count", h.unreadCount)
			notifications.POST("/read", privileged, h.markRead)
			notifications.POST("/clear", privileged, h.clearAll)
			notifications.POST("/local", privileged, h.raiseLocal)
		}
		reminders := v1.Group("/reminders")
		{
			reminders.GET("/popup", h.popupState)
			reminders.POST("/:id/complete", privileged, h.completeReminder)
			reminders.POST("/:id/dismiss", privileged, h.dismissReminder)
		}
		v1.GET("/connection", h.connectionState)
	}
}

type notificationListResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
	Stale         bool                  `json:"stale,omitempty"`
	Notice        string                `json:"notice,omitempty"`
}

// listNotifications serves the merged view. A fetch suppressed by the
// throttle or failed in the background still answers 200 with the cached
// snapshot; a failure only adds a soft advisory.
func (h *Handler) listNotifications(c *gin.Context) {
	force := c.Query("force") == "true"
	items, err := h.engine.Sync.FetchList(c.Request.Context(), force)
	resp := notificationListResponse{Notifications: items, Unread: h.engine.Agg.UnreadCount()}
	if err != nil && !errors.Is(err, service.ErrThrottled) {
		resp.Stale = true
		resp.Notice = httpresp.NoticeRefreshFailed
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) unreadCount(c *gin.Context) {
	force := c.Query("force") == "true"
	count, _ := h.engine.Sync.FetchUnreadCount(c.Request.Context(), force)
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *Handler) markRead(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	_ = h.engine.Sync.MarkRead(c.Request.Context(), req.IDs)
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) clearAll(c *gin.Context) {
	if err := h.engine.Sync.ClearAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, httpresp.NoticeResponse{OK: false, Notice: httpresp.NoticeRefreshFailed})
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) raiseLocal(c *gin.Context) {
	var req struct {
		Type     string `json:"type"`
		Title    string `json:"title"`
		Message  string `json:"message"`
		Category string `json:"category"`
		Priority string `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrTitleRequired))
		return
	}
	n := h.engine.Agg.RaiseLocal(c.Request.Context(), req.Type, req.Title, req.Message, req.Category, req.Priority)
	c.JSON(http.StatusCreated, httpresp.NewIDResponse(n.ID))
}

func (h *Handler) popupState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":      h.engine.Scheduler.Active(),
		"queue_depth": h.engine.Scheduler.QueueDepth(),
	})
}

func (h *Handler) completeReminder(c *gin.Context) {
	notice, err := h.engine.Scheduler.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotActive) {
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrReminderNotActive))
			return
		}
		// Recoverable: popup stays open, the UI offers retry.
		c.JSON(http.StatusBadGateway, httpresp.NewErrorResponse(httpresp.ErrCompleteFailed))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewNoticeResponse(notice))
}

func (h *Handler) dismissReminder(c *gin.Context) {
	if err := h.engine.Scheduler.Dismiss(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrReminderNotActive))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) connectionState(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stream.State())
}
