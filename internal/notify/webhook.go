package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// WebhookGateway posts each notification as JSON to an HTTP endpoint.
type WebhookGateway struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookGateway(endpoint string) *WebhookGateway {
	return &WebhookGateway{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (w *WebhookGateway) Notify(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return postJSON(ctx, w.Client, w.Endpoint, "", b)
}

// FCMGateway sends push messages through the FCM HTTP v1 API. Each user is
// addressed through its own topic, user_<id>.
type FCMGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMGateway(endpoint, key string) *FCMGateway {
	return &FCMGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMGateway) Notify(ctx context.Context, n models.Notification) error {
	// FCM data values must be strings.
	data := map[string]string{"kind": string(n.Kind)}
	for k, v := range n.Payload {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{
		"message": map[string]any{
			"topic":        fmt.Sprintf("user_%d", n.RecipientUserID),
			"notification": map[string]string{"title": n.Title, "body": n.Message},
			"data":         data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	auth := ""
	if f.Key != "" {
		auth = "Bearer " + f.Key
	}
	return postJSON(ctx, f.Client, f.Endpoint, auth, b)
}

func postJSON(ctx context.Context, client *http.Client, endpoint, auth string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
