// Package apiclient はvanish APIのHTTPクライアントを提供する。
// 同期キュー（syncqueue）の送信経路として使用する。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// DefaultTimeout はHTTPクライアントのデフォルトタイムアウト。
const DefaultTimeout = 15 * time.Second

// maxErrorBodySize はエラーレスポンスとして読み込む最大バイト数。
const maxErrorBodySize = 64 * 1024

// Client はvanish APIのクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient はClientを生成する。httpClientがnilの場合はDefaultTimeoutのクライアントを使う。
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ViewEventJSON は閲覧イベントのワイヤフォーマット。
type ViewEventJSON struct {
	ItemID     string           `json:"item_id"`
	DurationMs int64            `json:"duration_ms"`
	Percentage float64          `json:"percentage"`
	ViewedAt   *time.Time       `json:"viewed_at,omitempty"`
	ClientMeta model.ClientMeta `json:"client_meta"`
}

// BatchRequest はPOST /api/views/batchのリクエストボディ。
type BatchRequest struct {
	Events []ViewEventJSON `json:"events"`
}

// BatchResponse はPOST /api/views/batchのレスポンスボディ。
type BatchResponse struct {
	RegisteredCount int      `json:"registered_count"`
	FailedItems     []string `json:"failed_items"`
}

type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// RegisterViewBatch はuserIDとして閲覧イベントを一括登録する。
// サーバーがエラーを返した場合は*model.APIErrorを返す。
// 5xxと429はUnavailableとして扱い、呼び出し側が再試行できるようにする。
func (c *Client) RegisterViewBatch(ctx context.Context, userID string, events []model.ViewEvent) (int, []string, error) {
	req := BatchRequest{Events: make([]ViewEventJSON, len(events))}
	for i, ev := range events {
		wire := ViewEventJSON{
			ItemID:     ev.ItemID,
			DurationMs: ev.DurationMs,
			Percentage: ev.Percentage,
			ClientMeta: ev.ClientMeta,
		}
		if !ev.ViewedAt.IsZero() {
			viewedAt := ev.ViewedAt
			wire.ViewedAt = &viewedAt
		}
		req.Events[i] = wire
	}

	body, err := json.Marshal(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/views/batch", bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", userID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, nil, decodeError(resp)
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	return out.RegisteredCount, out.FailedItems, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		body = errorBody{Code: "HTTP_" + fmt.Sprint(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return model.NewUnavailableError(fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Code))
	}
	return &model.APIError{
		Code:     body.Code,
		Message:  body.Message,
		Category: body.Category,
		Action:   body.Action,
	}
}
