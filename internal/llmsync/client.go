package llmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SpendLog is one usage log entry from the LLM proxy's admin API.
type SpendLog struct {
	RequestID        string    `json:"request_id"`
	StartTime        time.Time `json:"startTime"`
	Spend            float64   `json:"spend"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EndUser          string    `json:"end_user"`
}

// Client talks to the LLM proxy's admin REST API. It needs both an
// admin-capable base URL and a master key; without either it reports
// unconfigured and the dispatcher stays idle.
type Client struct {
	baseURL   string
	masterKey string
	http      *http.Client
	log       zerolog.Logger
}

// NewClient creates a proxy client.
func NewClient(baseURL, masterKey string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       logger.With().Str("component", "llm_proxy_client").Logger(),
	}
}

// Configured reports whether the client can reach an upstream.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.masterKey != ""
}

// ListSpendLogs fetches usage log entries for an organization since the
// given time. The upstream makes no ordering guarantee; callers must sort.
func (c *Client) ListSpendLogs(ctx context.Context, orgID string, since time.Time) ([]SpendLog, error) {
	q := url.Values{}
	q.Set("user_id", orgID)
	q.Set("start_date", since.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/spend/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("spend logs request build failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.masterKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spend logs fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("spend logs fetch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var logs []SpendLog
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return nil, fmt.Errorf("spend logs decode failed: %w", err)
	}
	return logs, nil
}
