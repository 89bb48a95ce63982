package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"animalchat-engine/internal/domain"
	"animalchat-engine/internal/provider"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	TopP           *float64             `json:"top_p,omitempty"`
	MaxTokens      *int                 `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	StreamOptions  *streamOptions       `json:"stream_options,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int                `json:"index"`
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

// tokenPayload is the expected JSON shape stored in the parameter store for
// the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter resolves decrypted parameter values; satisfied by the config store
// client so the API token lives next to the persona documents.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is an OpenAI-compatible completer. It implements provider.Completer
// and is always consumed through the provider gateway, never directly.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given Getter for API key
// retrieval. The key is fetched on the first call and reused for the
// lifetime of the process.
func NewClient(g Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if g == nil {
		return nil, errors.New("openai: parameter getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      g,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key on the first call and returns the cached
// result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKey(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/openai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete runs a non-streaming chat completion and maps the response into a
// provider.Result, including token usage and the finish reason.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Result, error) {
	res, err := c.do(ctx, req, false)
	if err != nil {
		return provider.Result{}, err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return provider.Result{}, &provider.Error{
			Kind: provider.KindUnavailable, Message: "read response body", Err: err,
		}
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return provider.Result{}, &provider.Error{
			Kind: provider.KindUnknown, Message: "decode response", Err: decErr,
		}
	}
	if len(payload.Choices) == 0 {
		return provider.Result{}, &provider.Error{
			Kind: provider.KindUnknown, Message: "no choices in response",
		}
	}

	return provider.Result{
		Text: payload.Choices[0].Message.Content,
		Usage: provider.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
		Model:        payload.Model,
		FinishReason: payload.Choices[0].FinishReason,
	}, nil
}

// do builds and sends the chat request, returning the open response body on
// 2xx. Non-2xx statuses and transport failures come back already classified
// as *provider.Error.
func (c *Client) do(ctx context.Context, req provider.Request, stream bool) (*http.Response, error) {
	if req.Model == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Message: "model must not be empty"}
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindUnavailable, Message: "resolve API key", Err: err}
	}

	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: &req.Temperature,
		TopP:        &req.TopP,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = &req.MaxTokens
	}
	if req.ResponseFormat == domain.ResponseFormatStructured {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Message: "marshal request", Err: err}
	}

	url := chatURL(c.baseURL)
	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Message: "create request", Err: reqErr}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	res, doErr := c.resolvedHTTPClient().Do(httpReq)
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) || errors.Is(doErr, context.Canceled) {
			return nil, &provider.Error{Kind: provider.KindTimeout, Message: "request deadline exceeded", Err: doErr}
		}
		return nil, &provider.Error{Kind: provider.KindUnavailable, Message: "request failed", Err: doErr}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
		return nil, &provider.Error{
			Kind:    classifyStatus(res.StatusCode),
			Status:  res.StatusCode,
			Message: "upstream rejected request",
			Err:     statusErr,
		}
	}
	return res, nil
}

// classifyStatus maps an HTTP status to a provider error kind.
func classifyStatus(status int) provider.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return provider.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return provider.KindTimeout
	case status >= 400 && status < 500:
		return provider.KindInvalidRequest
	case status >= 500:
		return provider.KindUnavailable
	}
	return provider.KindUnknown
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token parameter: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal token parameter as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}
