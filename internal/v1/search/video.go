package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VideoClient calls the external video summarization service.
type VideoClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewVideoClient creates a client for the video summary endpoint.
func NewVideoClient(apiURL, apiKey string) *VideoClient {
	return &VideoClient{
		apiURL: apiURL,
		apiKey: apiKey,
		// The service runs an LLM pass over the video; allow for that.
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Summarize requests a summary of the video at the given URL.
func (c *VideoClient) Summarize(ctx context.Context, videoURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"url": videoURL})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("video summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("video summary: status %d: %s", resp.StatusCode, msg)
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("video summary: decode: %w", err)
	}
	if parsed.Summary == "" {
		return "", fmt.Errorf("video summary: empty summary in response")
	}
	return parsed.Summary, nil
}

// VideoSummaryTool wraps a VideoClient as the getVideoSummary tool.
// Arguments: {"url": string}.
func VideoSummaryTool(client *VideoClient) ToolFunc {
	return func(ctx context.Context, argsJSON string) (string, error) {
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("getVideoSummary: bad arguments: %w", err)
		}
		if args.URL == "" {
			return "", fmt.Errorf("getVideoSummary: url is required")
		}

		summary, err := client.Summarize(ctx, args.URL)
		if err != nil {
			return "", err
		}
		payload, err := json.Marshal(map[string]string{"url": args.URL, "summary": summary})
		if err != nil {
			return "", err
		}
		return string(payload), nil
	}
}
