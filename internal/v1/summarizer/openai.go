package summarizer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient implements ChatCompleter with the OpenAI chat completions
// API, forcing a JSON-object response.
type OpenAIClient struct {
	client oai.Client
	model  string
}

// ClientOption configures an OpenAIClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API base URL, used by tests.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// NewOpenAIClient creates a chat client for the given model.
func NewOpenAIClient(apiKey, model string, opts ...ClientOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summarizer: api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("summarizer: model must not be empty")
	}

	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIClient{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarizer: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
