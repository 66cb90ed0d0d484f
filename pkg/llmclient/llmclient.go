// Package llmclient implements the LLMClient capability: the
// task handler's interface to the model, backed by contextstore.MessageStore
// so the client itself holds no in-memory conversation buffer — every
// restart replays current.jsonl from disk, which is what makes resume
// crash-safe.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/taskdb"
)

func marshalRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}
	return body, nil
}

// Usage is the token accounting reported by a provider response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is the wire-contract request body built from current.jsonl:
// `{model, messages:[{role,content}...], functions, function_call:"auto"}`.
type Request struct {
	Model        string                    `json:"model"`
	Messages     []RequestMessage          `json:"messages"`
	Functions    []mcpagent.ToolDefinition `json:"functions,omitempty"`
	FunctionCall string                    `json:"function_call,omitempty"`
	MaxTokens    int                       `json:"max_tokens,omitempty"`
}

// RequestMessage is one {role, content} pair sent to the provider.
type RequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the parsed provider reply.
type Response struct {
	Text          string
	FunctionCalls []mcpagent.ToolCall
	Done          bool
	DoneComment   string
	Usage         Usage
}

// Provider is the opaque wire transport to an LLM endpoint.
// A concrete HTTPProvider is supplied for cmd/forgebot; tests substitute a
// stub.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StatisticsHook receives token usage after every successful GetResponse
// call.
type StatisticsHook func(Usage)

// Client is the LLMClient capability bound to one task's MessageStore.
type Client struct {
	mgr       *contextstore.Manager
	provider  Provider
	model     string
	maxTokens int

	tools     []mcpagent.ToolDefinition
	statsHook StatisticsHook
}

// New binds a Client to a task's context manager and provider.
func New(mgr *contextstore.Manager, provider Provider, model string, maxTokens int) *Client {
	return &Client{mgr: mgr, provider: provider, model: model, maxTokens: maxTokens}
}

// AppendSystem appends a system-role message.
func (c *Client) AppendSystem(text string) (int, error) {
	return c.mgr.Messages.Append(contextstore.RoleSystem, text, "")
}

// AppendUser appends a user-role message.
func (c *Client) AppendUser(text string) (int, error) {
	return c.mgr.Messages.Append(contextstore.RoleUser, text, "")
}

// AppendToolResult appends a tool-role message carrying a tool's output back
// into the conversation.
func (c *Client) AppendToolResult(name, payload string) (int, error) {
	return c.mgr.Messages.Append(contextstore.RoleTool, payload, name)
}

// UpdateTools sets the function declarations advertised on the next
// GetResponse call.
func (c *Client) UpdateTools(tools []mcpagent.ToolDefinition) {
	c.tools = tools
}

// SetStatisticsHook registers the callback invoked with token usage after
// each GetResponse call.
func (c *Client) SetStatisticsHook(hook StatisticsHook) {
	c.statsHook = hook
}

// GetResponse executes the wire contract: stream current.jsonl into a
// request, write request.json, send it, parse the reply, append the
// assistant message, invoke the statistics hook, delete request.json.
func (c *Client) GetResponse(ctx context.Context) (Response, error) {
	records, err := c.mgr.Messages.ReadAll()
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: read conversation: %w", err)
	}

	req := Request{
		Model:        c.model,
		Messages:     toRequestMessages(records),
		Functions:    c.tools,
		FunctionCall: "auto",
		MaxTokens:    c.maxTokens,
	}

	body, err := marshalRequest(req)
	if err != nil {
		return Response{}, err
	}
	if err := c.mgr.WriteRequest(body); err != nil {
		return Response{}, fmt.Errorf("llmclient: write request.json: %w", err)
	}

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: provider request failed: %w", err)
	}

	assistantContent := resp.Text
	if len(resp.FunctionCalls) > 0 {
		assistantContent = formatFunctionCallContent(resp.FunctionCalls)
	}
	if _, err := c.mgr.Messages.Append(contextstore.RoleAssistant, assistantContent, ""); err != nil {
		return Response{}, fmt.Errorf("llmclient: append assistant message: %w", err)
	}

	if c.statsHook != nil {
		c.statsHook(resp.Usage)
	}
	if err := c.mgr.AddTokens(ctx, resp.Usage.TotalTokens); err != nil {
		return Response{}, fmt.Errorf("llmclient: record token usage: %w", err)
	}
	if err := c.mgr.IncrementStat(ctx, taskdb.StatLLMCall); err != nil {
		return Response{}, fmt.Errorf("llmclient: increment llm call counter: %w", err)
	}

	if err := c.mgr.DeleteRequest(); err != nil {
		return Response{}, fmt.Errorf("llmclient: delete request.json: %w", err)
	}

	return resp, nil
}

func toRequestMessages(records []contextstore.MessageRecord) []RequestMessage {
	out := make([]RequestMessage, 0, len(records))
	for _, rec := range records {
		role := string(rec.Role)
		if rec.Role == contextstore.RoleSummary {
			role = "system"
		}
		out = append(out, RequestMessage{Role: role, Content: rec.Content})
	}
	return out
}

func formatFunctionCallContent(calls []mcpagent.ToolCall) string {
	if len(calls) == 1 {
		return fmt.Sprintf("[function_call:%s]", calls[0].Name)
	}
	return fmt.Sprintf("[function_calls:%d]", len(calls))
}
