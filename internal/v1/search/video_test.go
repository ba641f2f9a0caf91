package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoClient_Summarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://example.com/talk", body["url"])

		fmt.Fprint(w, `{"summary":"a talk about Go"}`)
	}))
	defer srv.Close()

	client := NewVideoClient(srv.URL, "key")
	summary, err := client.Summarize(context.Background(), "https://example.com/talk")
	require.NoError(t, err)
	assert.Equal(t, "a talk about Go", summary)
}

func TestVideoClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream failed", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewVideoClient(srv.URL, "")
	_, err := client.Summarize(context.Background(), "https://example.com/talk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestVideoSummaryTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"summary":"short recap"}`)
	}))
	defer srv.Close()

	tool := VideoSummaryTool(NewVideoClient(srv.URL, ""))
	result, err := tool(context.Background(), `{"url":"https://example.com/v"}`)
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(result), &parsed))
	assert.Equal(t, "short recap", parsed["summary"])
	assert.Equal(t, "https://example.com/v", parsed["url"])
}

func TestVideoSummaryTool_MissingURL(t *testing.T) {
	tool := VideoSummaryTool(NewVideoClient("http://unused", ""))
	_, err := tool(context.Background(), `{}`)
	require.Error(t, err)
}
