// Package search implements the web search tool behind the AI's function
// calls: an HTTP client with retry and circuit-breaker protection, and the
// bridge that dispatches registered tools under a hard timeout.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
)

const (
	// ToolTimeout bounds every tool dispatch; expiry returns a tool_timeout
	// payload to the model instead of stalling the response.
	ToolTimeout = 10 * time.Second

	defaultResultCount = 5
	maxRetries         = 3
)

// Result is one web search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Client queries the search API. Failures trip a circuit breaker; 429 and
// 5xx responses are retried with exponential backoff.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a search client for the given endpoint.
func NewClient(apiURL, apiKey string) *Client {
	return &Client{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "search-api",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.GetLogger().Warn("search breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// newRetryPolicy backs off from 1s, capped at 10s between tries.
func newRetryPolicy() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	return bo
}

// retryableError marks a response worth retrying.
type retryableError struct{ status int }

func (e *retryableError) Error() string {
	return fmt.Sprintf("search: retryable status %d", e.status)
}

// Search runs a query and returns up to count results.
func (c *Client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if count <= 0 {
		count = defaultResultCount
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return backoff.Retry(ctx, func() ([]Result, error) {
			results, err := c.doSearch(ctx, query, count)
			if err != nil {
				var re *retryableError
				if errors.As(err, &re) {
					return nil, err
				}
				return nil, backoff.Permanent(err)
			}
			return results, nil
		}, backoff.WithBackOff(newRetryPolicy()), backoff.WithMaxTries(maxRetries))
	})
	if err != nil {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SearchCalls.WithLabelValues("success").Inc()
	return out.([]Result), nil
}

func (c *Client) doSearch(ctx context.Context, query string, count int) ([]Result, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("search: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, &retryableError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search: status %d: %s", resp.StatusCode, body)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("search: decode: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// ToolFunc executes one tool call. It receives the decoded JSON arguments
// and returns a JSON result.
type ToolFunc func(ctx context.Context, argsJSON string) (string, error)

// Bridge dispatches provider function calls to registered tools. Every
// dispatch runs in its own goroutine under ToolTimeout; the orchestrator is
// never called back synchronously.
type Bridge struct {
	tools   map[string]ToolFunc
	timeout time.Duration
}

// NewBridge creates an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{tools: make(map[string]ToolFunc), timeout: ToolTimeout}
}

// Register adds a named tool. Not safe to call after dispatching begins.
func (b *Bridge) Register(name string, fn ToolFunc) {
	b.tools[name] = fn
}

// ToolNames lists registered tools for provider registration.
func (b *Bridge) ToolNames() []string {
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	return names
}

// Dispatch runs the named tool and returns its JSON result. Unknown tools
// and failures yield JSON error payloads; a slow tool yields
// {"error":"tool_timeout"} after the deadline.
func (b *Bridge) Dispatch(ctx context.Context, name, argsJSON string) string {
	fn, ok := b.tools[name]
	if !ok {
		metrics.SearchCalls.WithLabelValues("unknown_tool").Inc()
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, name)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(ctx, argsJSON)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		metrics.SearchCalls.WithLabelValues("timeout").Inc()
		return `{"error":"tool_timeout"}`
	case o := <-done:
		if o.err != nil {
			payload, _ := json.Marshal(map[string]string{"error": o.err.Error()})
			return string(payload)
		}
		return o.result
	}
}

// WebSearchTool wraps a Client as the webSearch tool. Arguments:
// {"query": string, "count"?: int}.
func WebSearchTool(client *Client) ToolFunc {
	return func(ctx context.Context, argsJSON string) (string, error) {
		var args struct {
			Query string `json:"query"`
			Count int    `json:"count"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("webSearch: bad arguments: %w", err)
		}
		if args.Query == "" {
			return "", fmt.Errorf("webSearch: query is required")
		}

		results, err := client.Search(ctx, args.Query, args.Count)
		if err != nil {
			return "", err
		}
		payload, err := json.Marshal(map[string]any{"results": results})
		if err != nil {
			return "", err
		}
		return string(payload), nil
	}
}
