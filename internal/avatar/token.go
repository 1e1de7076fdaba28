package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/squidgy/internal/reliability"
)

// HTTPTokenProvider POSTs to a fixed endpoint and expects {"token": "..."} back.
type HTTPTokenProvider struct {
	url    string
	client *http.Client
}

func NewHTTPTokenProvider(url string, client *http.Client) *HTTPTokenProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTokenProvider{url: strings.TrimSpace(url), client: client}
}

func (p *HTTPTokenProvider) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", reliability.ErrTokenUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", reliability.ErrTokenUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("%w: status %d: %s", reliability.ErrTokenUnavailable, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", reliability.ErrTokenUnavailable, err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return "", fmt.Errorf("%w: response carried no token", reliability.ErrTokenUnavailable)
	}
	return payload.Token, nil
}
