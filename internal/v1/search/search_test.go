package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func braveBody(titles ...string) string {
	type result struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	var results []result
	for _, t := range titles {
		results = append(results, result{Title: t, URL: "https://example.com", Description: "desc"})
	}
	body, _ := json.Marshal(map[string]any{"web": map[string]any{"results": results}})
	return string(body)
}

func TestSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "key-123", r.Header.Get("X-Subscription-Token"))
		fmt.Fprint(w, braveBody("Go", "Golang"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-123")
	results, err := c.Search(context.Background(), "golang", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Go", results[0].Title)
}

func TestSearch_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, braveBody("Recovered"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	results, err := c.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryPolicy_Intervals(t *testing.T) {
	bo := newRetryPolicy()
	assert.Equal(t, time.Second, bo.InitialInterval)
	assert.Equal(t, 10*time.Second, bo.MaxInterval)
}

func TestSearch_4xxIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key")
	_, err := c.Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBridge_DispatchSuccess(t *testing.T) {
	b := NewBridge()
	b.Register("echo", func(ctx context.Context, argsJSON string) (string, error) {
		return argsJSON, nil
	})

	out := b.Dispatch(context.Background(), "echo", `{"x":1}`)
	assert.JSONEq(t, `{"x":1}`, out)
}

func TestBridge_UnknownTool(t *testing.T) {
	b := NewBridge()
	out := b.Dispatch(context.Background(), "nope", "{}")
	assert.Contains(t, out, "unknown tool")
}

func TestBridge_ToolError(t *testing.T) {
	b := NewBridge()
	b.Register("boom", func(context.Context, string) (string, error) {
		return "", fmt.Errorf("backend down")
	})

	out := b.Dispatch(context.Background(), "boom", "{}")
	assert.JSONEq(t, `{"error":"backend down"}`, out)
}

func TestBridge_Timeout(t *testing.T) {
	b := NewBridge()
	b.timeout = 30 * time.Millisecond
	released := make(chan struct{})
	b.Register("slow", func(ctx context.Context, _ string) (string, error) {
		<-released
		return "{}", nil
	})
	defer close(released)

	out := b.Dispatch(context.Background(), "slow", "{}")
	assert.JSONEq(t, `{"error":"tool_timeout"}`, out)
}

func TestWebSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, braveBody("Hit"))
	}))
	defer srv.Close()

	tool := WebSearchTool(NewClient(srv.URL, "key"))

	out, err := tool(context.Background(), `{"query":"anything"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Hit")

	_, err = tool(context.Background(), `{"query":""}`)
	require.Error(t, err)

	_, err = tool(context.Background(), `not-json`)
	require.Error(t, err)
}
