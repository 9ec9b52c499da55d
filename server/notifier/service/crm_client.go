package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/boodymasoud7/netaq-crm-sub002/server/common/infra/crmapi"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
)

// ErrAlreadyCompleted marks the completion race: another channel or user
// finished the reminder first. Callers treat it as success.
var ErrAlreadyCompleted = errors.New("reminder already completed")

type CRMClient struct {
	client *crmapi.Client
}

func NewCRMClient(endpoints ...string) *CRMClient {
	return &CRMClient{client: crmapi.NewClient(endpoints...)}
}

func (c *CRMClient) ListReminders(ctx context.Context) ([]domain.Reminder, error) {
	query := url.Values{}
	query.Set("status", string(domain.ReminderPending)+","+string(domain.ReminderNotified))
	var resp struct {
		Reminders []domain.Reminder `json:"reminders"`
	}
	if err := c.client.Get(ctx, crmapi.BasePath+"/reminders", query, &resp); err != nil {
		return nil, err
	}
	return resp.Reminders, nil
}

func (c *CRMClient) CompleteReminder(ctx context.Context, id string) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	err := c.client.Post(ctx, crmapi.BasePath+"/reminders/"+id+"/complete", map[string]any{}, &resp)
	if err == nil {
		return nil
	}
	var statusErr *crmapi.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusConflict || strings.Contains(strings.ToLower(statusErr.Body), "already") {
			return ErrAlreadyCompleted
		}
	}
	return err
}

func (c *CRMClient) ListNotifications(ctx context.Context) ([]domain.Notification, error) {
	var resp struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	if err := c.client.Get(ctx, crmapi.BasePath+"/notifications", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

func (c *CRMClient) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.client.Get(ctx, crmapi.BasePath+"/notifications/unread-count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// MarkRead returns the number of notifications the backend confirmed as
// newly marked read.
func (c *CRMClient) MarkRead(ctx context.Context, ids []string) (int, error) {
	var resp struct {
		Confirmed int `json:"confirmed"`
	}
	payload := map[string]any{"ids": ids}
	if err := c.client.Post(ctx, crmapi.BasePath+"/notifications/read", payload, &resp); err != nil {
		return 0, err
	}
	return resp.Confirmed, nil
}

func (c *CRMClient) ClearAll(ctx context.Context) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	return c.client.Post(ctx, crmapi.BasePath+"/notifications/clear", map[string]any{}, &resp)
}

func (c *CRMClient) Reachable(ctx context.Context) bool {
	return c.client.Reachable(ctx)
}
