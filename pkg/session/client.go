package session

import (
	"context"
	"fmt"

	"github.com/coderelay/forgebot/pkg/llmclient"
	"github.com/coderelay/forgebot/pkg/mcpagent"
)

// Client is the Legacy strategy's conversation capability: the same
// wire contract as llmclient.Client, but backed by an in-memory Session
// instead of contextstore.MessageStore. Used only when context storage is
// disabled in config — a crash loses the conversation, which is the
// accepted tradeoff of the Legacy strategy.
type Client struct {
	session   *Session
	provider  llmclient.Provider
	model     string
	maxTokens int

	tools     []mcpagent.ToolDefinition
	statsHook llmclient.StatisticsHook
}

// NewClient binds a Client to an in-memory Session and provider.
func NewClient(sess *Session, provider llmclient.Provider, model string, maxTokens int) *Client {
	return &Client{session: sess, provider: provider, model: model, maxTokens: maxTokens}
}

// AppendSystem appends a system-role message.
func (c *Client) AppendSystem(text string) (int, error) {
	c.session.AddMessage(RoleSystem, text)
	return len(c.session.Messages), nil
}

// AppendUser appends a user-role message.
func (c *Client) AppendUser(text string) (int, error) {
	c.session.AddMessage(RoleUser, text)
	return len(c.session.Messages), nil
}

// AppendToolResult appends a tool result. The Legacy strategy has no
// dedicated tool role; it is folded into a
// user-role message prefixed with the tool name, matching how the source
// system's non-persistent loop represented tool output.
func (c *Client) AppendToolResult(name, payload string) (int, error) {
	c.session.AddMessage(RoleUser, fmt.Sprintf("[tool result: %s]\n%s", name, payload))
	return len(c.session.Messages), nil
}

// UpdateTools sets the function declarations advertised on the next
// GetResponse call.
func (c *Client) UpdateTools(tools []mcpagent.ToolDefinition) {
	c.tools = tools
}

// SetStatisticsHook registers the callback invoked with token usage after
// each GetResponse call.
func (c *Client) SetStatisticsHook(hook llmclient.StatisticsHook) {
	c.statsHook = hook
}

// GetResponse sends the in-memory conversation to the provider and appends
// the assistant's reply. No request.json is written and no tasks.db
// counters are touched — there is no per-task row to update for a
// non-persisted Legacy session.
func (c *Client) GetResponse(ctx context.Context) (llmclient.Response, error) {
	req := llmclient.Request{
		Model:        c.model,
		Messages:     c.toRequestMessages(),
		Functions:    c.tools,
		FunctionCall: "auto",
		MaxTokens:    c.maxTokens,
	}

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return llmclient.Response{}, fmt.Errorf("session: provider request failed: %w", err)
	}

	content := resp.Text
	if len(resp.FunctionCalls) > 0 {
		content = fmt.Sprintf("[function_call:%s]", resp.FunctionCalls[0].Name)
	}
	c.session.AddMessage(RoleAssistant, content)

	if c.statsHook != nil {
		c.statsHook(resp.Usage)
	}
	return resp, nil
}

func (c *Client) toRequestMessages() []llmclient.RequestMessage {
	out := make([]llmclient.RequestMessage, 0, len(c.session.Messages))
	for _, m := range c.session.Messages {
		out = append(out, llmclient.RequestMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
