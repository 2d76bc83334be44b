// Package openaicompat implements the backend contract against any
// OpenAI-compatible HTTP API. Most model servers expose this format, so one
// adapter covers the common case with minor configuration.
package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

const (
	defaultTimeout    = 60 * time.Second
	chatEndpoint      = "/chat/completions"
	embeddingEndpoint = "/embeddings"
)

// Backend is one OpenAI-compatible endpoint serving a single model.
type Backend struct {
	model    string
	provider string
	baseURL  string
	apiKey   string
	headers  map[string]string
	client   *http.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithProvider sets the provider label used in errors and results.
func WithProvider(name string) Option {
	return func(b *Backend) { b.provider = name }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(b *Backend) { b.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.client.Timeout = d
		}
	}
}

// WithHeaders adds extra headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(b *Backend) {
		for k, v := range h {
			b.headers[k] = v
		}
	}
}

// New creates a backend for the model at baseURL.
func New(model, baseURL string, opts ...Option) *Backend {
	b := &Backend{
		model:    model,
		provider: "openai-compatible",
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		headers:  make(map[string]string),
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ModelInfo describes the model served by this backend.
func (b *Backend) ModelInfo() types.ModelInfo {
	return types.ModelInfo{
		Name:     b.model,
		Provider: b.provider,
	}
}

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []types.Message `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage types.Usage `json:"usage"`
}

// Chat runs a chat completion.
func (b *Backend) Chat(ctx context.Context, messages []types.Message, params types.GenParams) (*types.Result, error) {
	req := chatRequest{
		Model:            b.model,
		Messages:         messages,
		Temperature:      params.Temperature,
		MaxTokens:        params.MaxTokens,
		TopP:             params.TopP,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
	}

	var resp chatResponse
	if err := b.post(ctx, chatEndpoint, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, dispatcherrors.NewServerError(b.provider, b.model, 500, "response contained no choices")
	}

	return &types.Result{
		ID:           resp.ID,
		Text:         resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
		ModelInfo:    b.ModelInfo(),
	}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage types.Usage `json:"usage"`
}

// Embeddings produces a vector representation of the text.
func (b *Backend) Embeddings(ctx context.Context, text string) (*types.Result, error) {
	req := embeddingRequest{Model: b.model, Input: text}

	var resp embeddingResponse
	if err := b.post(ctx, embeddingEndpoint, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, dispatcherrors.NewServerError(b.provider, b.model, 500, "response contained no embeddings")
	}

	return &types.Result{
		Embeddings: resp.Data[0].Embedding,
		Usage:      resp.Usage,
		ModelInfo:  b.ModelInfo(),
	}, nil
}

// post sends a JSON request and decodes the response, mapping HTTP failures
// to the dispatch error taxonomy.
func (b *Backend) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	for k, v := range b.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return dispatcherrors.Classify(b.provider, b.model, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return dispatcherrors.NewConnectionError(b.provider, b.model, err.Error())
	}
	if httpResp.StatusCode != http.StatusOK {
		return dispatcherrors.FromStatusCode(b.provider, b.model, httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return dispatcherrors.NewServerError(b.provider, b.model, 502,
			fmt.Sprintf("malformed response: %v", err))
	}
	return nil
}
