package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookPublisher はイベントをJSONでHTTP POSTする。
// 送信先が内部ネットワークを指さないよう、SSRF防止付きのクライアントを渡すこと。
type WebhookPublisher struct {
	client *http.Client
	url    string
}

// NewWebhookPublisher はWebhookPublisherを生成する。
func NewWebhookPublisher(client *http.Client, url string) *WebhookPublisher {
	return &WebhookPublisher{client: client, url: url}
}

// Publish はイベントを送信する。2xx以外の応答はエラーとする。
func (p *WebhookPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close は何もしない。
func (p *WebhookPublisher) Close() error { return nil }
