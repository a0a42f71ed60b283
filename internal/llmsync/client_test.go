package llmsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigured(t *testing.T) {
	assert.True(t, NewClient("http://proxy:4000", "sk-master", zerolog.Nop()).Configured())
	assert.False(t, NewClient("", "sk-master", zerolog.Nop()).Configured())
	assert.False(t, NewClient("http://proxy:4000", "", zerolog.Nop()).Configured())
}

func TestListSpendLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spend/logs", r.URL.Path)
		assert.Equal(t, "org-1", r.URL.Query().Get("user_id"))
		assert.Equal(t, "2026-08-01T00:00:00Z", r.URL.Query().Get("start_date"))
		assert.Equal(t, "Bearer sk-master", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"request_id": "req-1", "startTime": "2026-08-01T00:01:00Z", "spend": 0.25,
			 "model": "gpt-4", "prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150,
			 "end_user": "user-7"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-master", zerolog.Nop())
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	logs, err := c.ListSpendLogs(context.Background(), "org-1", since)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	assert.Equal(t, "req-1", logs[0].RequestID)
	assert.Equal(t, 0.25, logs[0].Spend)
	assert.Equal(t, "gpt-4", logs[0].Model)
	assert.Equal(t, int64(150), logs[0].TotalTokens)
	assert.Equal(t, "user-7", logs[0].EndUser)
}

func TestListSpendLogs_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid master key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-wrong", zerolog.Nop())
	_, err := c.ListSpendLogs(context.Background(), "org-1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid master key")
}

func TestListSpendLogs_TrailingSlashBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spend/logs", r.URL.Path)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "sk-master", zerolog.Nop())
	logs, err := c.ListSpendLogs(context.Background(), "org-1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, logs)
}
