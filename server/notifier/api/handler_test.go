package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/boodymasoud7/netaq-crm-sub002/server/common/auth"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/service"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupHandler builds the notifier engine against a fake CRM backend and
// returns the wired router plus a valid session token.
func setupHandler(t *testing.T) (*gin.Engine, string) {
	t.Helper()

	backend := gin.New()
	backend.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	backend.GET("/api/v1/notifications", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"notifications": []domain.Notification{
			{ID: "n1", Title: "New lead", Message: "Ali Hassan", Timestamp: time.Now()},
			{ID: "n2", Title: "Task assigned", Message: "Follow up", Timestamp: time.Now(), Read: true},
		}})
	})
	backend.GET("/api/v1/notifications/unread-count", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": 1})
	})
	backend.POST("/api/v1/notifications/read", func(c *gin.Context) {
		var req struct {
			IDs []string `json:"ids"`
		}
		_ = c.ShouldBindJSON(&req)
		c.JSON(http.StatusOK, gin.H{"confirmed": len(req.IDs)})
	})
	backend.POST("/api/v1/notifications/clear", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	backend.GET("/api/v1/reminders", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"reminders": []domain.Reminder{}})
	})
	backend.POST("/api/v1/reminders/:id/complete", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	backendServer := httptest.NewServer(backend)
	t.Cleanup(backendServer.Close)

	authSvc := auth.NewService("test-secret", 60)
	token, err := authSvc.GenerateToken("user-1", "tenant-1", "admin")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	engine, err := service.NewEngine(service.EngineOptions{
		StreamURL:        "ws://localhost:0/stream",
		Credential:       token,
		PrivilegedRoles:  []string{"admin"},
		ReconnectBackoff: time.Second,
		SettleDelay:      5 * time.Millisecond,
		ListThrottle:     4 * time.Second,
		CountThrottle:    3 * time.Second,
		PollInterval:     time.Minute,
	}, service.NewCRMClient(backendServer.URL), authSvc, store.NewMemoryKV(), nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	router := gin.New()
	NewHandler(engine, authSvc, []string{"admin", "manager"}).RegisterRoutes(router)
	return router, token
}

func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListNotificationsRequiresAuth(t *testing.T) {
	router, _ := setupHandler(t)

	if w := doRequest(router, http.MethodGet, "/api/v1/notifications", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 without a token, got %d", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/api/v1/notifications", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 with a bad token, got %d", w.Code)
	}
}

func TestMutatingRoutesRequirePrivilegedRole(t *testing.T) {
	router, _ := setupHandler(t)

	agentToken, err := auth.NewService("test-secret", 60).GenerateToken("user-2", "tenant-1", "agent")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	// Reads stay open to any authenticated role.
	if w := doRequest(router, http.MethodGet, "/api/v1/notifications", agentToken, nil); w.Code != http.StatusOK {
		t.Fatalf("want 200 for a read, got %d", w.Code)
	}

	mutating := []string{
		"/api/v1/notifications/read",
		"/api/v1/notifications/clear",
		"/api/v1/notifications/local",
		"/api/v1/reminders/r1/complete",
		"/api/v1/reminders/r1/dismiss",
	}
	for _, path := range mutating {
		if w := doRequest(router, http.MethodPost, path, agentToken, map[string]any{}); w.Code != http.StatusForbidden {
			t.Fatalf("POST %s: want 403 for an unprivileged role, got %d", path, w.Code)
		}
	}
}

func TestListNotificationsServesMergedView(t *testing.T) {
	router, token := setupHandler(t)

	w := doRequest(router, http.MethodGet, "/api/v1/notifications?force=true", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Notifications []domain.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Notifications) != 2 {
		t.Fatalf("want 2 notifications, got %d", len(resp.Notifications))
	}
	if resp.Unread != 1 {
		t.Fatalf("want 1 unread, got %d", resp.Unread)
	}
}

func TestUnreadCountEndpoint(t *testing.T) {
	router, token := setupHandler(t)

	w := doRequest(router, http.MethodGet, "/api/v1/notifications/unread-count?force=true", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Fatalf("want deduped unread count 1, got %d", resp.Count)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	router, token := setupHandler(t)
	doRequest(router, http.MethodGet, "/api/v1/notifications?force=true", token, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/notifications/read", token, map[string]any{"ids": []string{"n1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	w = doRequest(router, http.MethodGet, "/api/v1/notifications", token, nil)
	var resp struct {
		Unread int `json:"unread"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Unread != 0 {
		t.Fatalf("want 0 unread after mark-read, got %d", resp.Unread)
	}
}

func TestRaiseLocalNotification(t *testing.T) {
	router, token := setupHandler(t)

	w := doRequest(router, http.MethodPost, "/api/v1/notifications/local", token, map[string]any{
		"type": "info", "title": "Saved", "message": "Client record saved",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", w.Code, w.Body.String())
	}

	if w := doRequest(router, http.MethodPost, "/api/v1/notifications/local", token, map[string]any{"message": "no title"}); w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for a title-less notification, got %d", w.Code)
	}
}

func TestPopupEndpoints(t *testing.T) {
	router, token := setupHandler(t)

	w := doRequest(router, http.MethodGet, "/api/v1/reminders/popup", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	// Completing a reminder that is not active is a 404, not a crash.
	w = doRequest(router, http.MethodPost, "/api/v1/reminders/ghost/complete", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404 for a non-active reminder, got %d", w.Code)
	}
	w = doRequest(router, http.MethodPost, "/api/v1/reminders/ghost/dismiss", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404 for a non-active dismiss, got %d", w.Code)
	}
}

func TestConnectionStateEndpoint(t *testing.T) {
	router, token := setupHandler(t)

	w := doRequest(router, http.MethodGet, "/api/v1/connection", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var state domain.ConnectionState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Connected {
		t.Fatal("engine was never started, state must be disconnected")
	}
}
