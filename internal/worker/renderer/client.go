package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	contracts "renderapi/internal/contracts/renderer/v0"
)

// Client runs a render to completion on the external rendering engine.
type Client interface {
	Render(ctx context.Context, req contracts.RenderRequest) (contracts.RenderResult, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Render(ctx context.Context, req contracts.RenderRequest) (contracts.RenderResult, error) {
	var out contracts.RenderResult

	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// The cut may split a rune; the partial tail is dropped.
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return out, fmt.Errorf("renderer http %d: %s", res.StatusCode, strings.TrimSpace(strings.ToValidUTF8(string(snippet), "")))
	}

	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode renderer response: %w", err)
	}
	if strings.TrimSpace(out.VideoFileID) == "" {
		return out, fmt.Errorf("renderer returned no video_file_id")
	}
	return out, nil
}
