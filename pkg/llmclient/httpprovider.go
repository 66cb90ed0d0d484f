package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coderelay/forgebot/pkg/mcpagent"
)

func toolCallFromWire(id, name string, arguments json.RawMessage) mcpagent.ToolCall {
	return mcpagent.ToolCall{ID: id, Name: name, Arguments: string(arguments)}
}

// HTTP retry tuning, mirroring pkg/mcpagent's jittered single-retry policy.
const (
	httpRequestTimeout  = 120 * time.Second
	httpRetryBackoffMin = 250 * time.Millisecond
	httpRetryBackoffMax = 750 * time.Millisecond
	httpMaxRetries      = 1
)

// HTTPProvider is a generic HTTP-wire implementation of Provider, POSTing
// the chat-completions-shaped Request body to a configured endpoint
//. Provider adapters that need to translate to a
// vendor's own schema can wrap or replace this at the cmd/forgebot wiring
// layer — the core only depends on the Provider interface.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider constructs a provider posting to baseURL with the given
// bearer API key.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: httpRequestTimeout},
	}
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Role         string `json:"role"`
			Content      string `json:"content"`
			Done         bool   `json:"done,omitempty"`
			DoneComment  string `json:"comment,omitempty"`
			FunctionCall *struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function_call,omitempty"`
			FunctionCalls []struct {
				ID        string          `json:"id"`
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends req to the provider endpoint and parses the reply into one
// of the three contract shapes: a function call, a done signal, or plain
// assistant text.
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: marshal provider request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= httpMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := httpRetryBackoffMin + time.Duration(rand.Int64N(int64(httpRetryBackoffMax-httpRetryBackoffMin)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}

		resp, err := p.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("llmclient: exhausted retries: %w", lastErr)
}

func (p *HTTPProvider) doOnce(ctx context.Context, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: http request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: read response body: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("llmclient: provider returned %d: %s", httpResp.StatusCode, truncate(data, 500))
	}
	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return Response{}, fmt.Errorf("%w: provider returned %d", ErrAuthFailed, httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("llmclient: provider returned %d: %s", httpResp.StatusCode, truncate(data, 500))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, fmt.Errorf("llmclient: parse provider response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return Response{}, errors.New("llmclient: provider response had no choices")
	}

	msg := wire.Choices[0].Message
	resp := Response{
		Text:        msg.Content,
		Done:        msg.Done,
		DoneComment: msg.DoneComment,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	if msg.FunctionCall != nil {
		resp.FunctionCalls = append(resp.FunctionCalls, toolCallFromWire("", msg.FunctionCall.Name, msg.FunctionCall.Arguments))
	}
	for _, fc := range msg.FunctionCalls {
		resp.FunctionCalls = append(resp.FunctionCalls, toolCallFromWire(fc.ID, fc.Name, fc.Arguments))
	}
	return resp, nil
}

// ErrAuthFailed marks a provider 401/403 as non-retryable.
var ErrAuthFailed = errors.New("llmclient: provider authentication failed")

func isRetryable(err error) bool {
	return !errors.Is(err, ErrAuthFailed)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
