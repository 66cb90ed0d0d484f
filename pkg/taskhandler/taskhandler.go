// Package taskhandler implements the Task handler: strategy
// dispatch over Legacy, Context-Storage, and Planning, the shared
// LLM/tool-call loop, and its error policy.
package taskhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coderelay/forgebot/pkg/compressor"
	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/llmclient"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/signals"
	"github.com/coderelay/forgebot/pkg/taskdb"
)

// defaultMaxJSONParseFailures, defaultMaxToolFailures, and
// defaultMaxLLMProcessNum mirror the error-policy defaults.
const (
	defaultMaxJSONParseFailures = 5
	defaultMaxToolFailures      = 3
	defaultMaxLLMProcessNum     = 1000
)

// conversation is the wire contract shared by llmclient.Client (Context-
// Storage) and session.Client (Legacy) — the loop below only depends on
// this, not on either concrete type, which is what lets the same loop body
// serve both strategies.
type conversation interface {
	AppendUser(text string) (int, error)
	AppendToolResult(name, payload string) (int, error)
	UpdateTools(tools []mcpagent.ToolDefinition)
	SetStatisticsHook(hook llmclient.StatisticsHook)
	GetResponse(ctx context.Context) (llmclient.Response, error)
}

// errorState is the loop-local error-policy tracker.
type errorState struct {
	jsonParseFailures int
	toolFailures      map[string]int
}

func newErrorState() *errorState {
	return &errorState{toolFailures: make(map[string]int)}
}

func (e *errorState) recordToolSuccess(tool string) {
	delete(e.toolFailures, tool)
}

func (e *errorState) recordToolFailure(tool string) int {
	e.toolFailures[tool]++
	return e.toolFailures[tool]
}

// Options configures one Handler.
type Options struct {
	Strategy         config.TaskHandlerStrategy
	MaxLLMProcessNum int
	MaxJSONFailures  int
	MaxToolFailures  int
	SystemPrompt     string
}

func (o Options) maxLLMProcessNum() int {
	if o.MaxLLMProcessNum <= 0 {
		return defaultMaxLLMProcessNum
	}
	return o.MaxLLMProcessNum
}

func (o Options) maxJSONFailures() int {
	if o.MaxJSONFailures <= 0 {
		return defaultMaxJSONParseFailures
	}
	return o.MaxJSONFailures
}

func (o Options) maxToolFailures() int {
	if o.MaxToolFailures <= 0 {
		return defaultMaxToolFailures
	}
	return o.MaxToolFailures
}

// Handler drives one task through the Legacy or Context-Storage loop
//. The Planning strategy is driven separately by pkg/planning, which
// shares this package's conversation/tool-dispatch machinery but implements
// its own state machine rather than this loop.
type Handler struct {
	task       *forgeclient.Task
	conv       conversation
	dispatcher mcpagent.Dispatcher
	pause      *signals.PauseResumeManager
	stop       *signals.TaskStopManager
	comments   *signals.CommentDetectionManager
	compress   *compressor.Compressor // nil for Legacy (no context store to compress)
	mgr        *contextstore.Manager  // nil for Legacy

	opts Options
}

// New constructs a Handler. mgr and compress are nil for the Legacy
// strategy since it has no context store.
func New(task *forgeclient.Task, conv conversation, dispatcher mcpagent.Dispatcher, pause *signals.PauseResumeManager, stop *signals.TaskStopManager, comments *signals.CommentDetectionManager, compress *compressor.Compressor, mgr *contextstore.Manager, opts Options) *Handler {
	return &Handler{task: task, conv: conv, dispatcher: dispatcher, pause: pause, stop: stop, comments: comments, compress: compress, mgr: mgr, opts: opts}
}

// Outcome is the terminal result of Handle.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomePaused
	OutcomeStopped
	OutcomeFailed
)

// Handle runs the loop to completion, pause, stop, or failure.
func (h *Handler) Handle(ctx context.Context, contextsRoot string) (Outcome, error) {
	errState := newErrorState()

	for i := 0; i < h.opts.maxLLMProcessNum(); i++ {
		if h.mgr != nil {
			sig, err := h.checkSignals(ctx, contextsRoot)
			if err != nil {
				return OutcomeFailed, err
			}
			switch sig {
			case signals.SignalPause:
				return OutcomePaused, nil
			case signals.SignalStop:
				return OutcomeStopped, nil
			}
		}

		if h.compress != nil {
			if _, err := h.compress.MaybeCompress(ctx); err != nil {
				return OutcomeFailed, fmt.Errorf("taskhandler: compression: %w", err)
			}
		}

		resp, err := h.conv.GetResponse(ctx)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("taskhandler: llm call failed: %w", err)
		}

		if resp.Done {
			if err := h.finalize(ctx); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeCompleted, nil
		}

		if len(resp.FunctionCalls) == 0 && resp.Text == "" {
			errState.jsonParseFailures++
			if errState.jsonParseFailures >= h.opts.maxJSONFailures() {
				return OutcomeFailed, fmt.Errorf("taskhandler: %d consecutive malformed LLM responses", errState.jsonParseFailures)
			}
			continue
		}
		errState.jsonParseFailures = 0

		for _, call := range resp.FunctionCalls {
			started := time.Now()
			result, err := h.dispatcher.Execute(ctx, call)
			if err != nil || (result != nil && result.IsError) {
				failures := errState.recordToolFailure(call.Name)
				errMsg := toolErrorMessage(err, result)
				h.auditToolCall(ctx, call, "", errMsg, contextstore.ToolCallError, time.Since(started))
				if _, appendErr := h.conv.AppendToolResult(call.Name, errMsg); appendErr != nil {
					return OutcomeFailed, fmt.Errorf("taskhandler: append tool error: %w", appendErr)
				}
				if failures >= h.opts.maxToolFailures() {
					return OutcomeFailed, fmt.Errorf("taskhandler: tool %q failed %d times consecutively", call.Name, failures)
				}
				continue
			}
			errState.recordToolSuccess(call.Name)
			h.auditToolCall(ctx, call, result.Content, "", contextstore.ToolCallOK, time.Since(started))
			if _, err := h.conv.AppendToolResult(call.Name, result.Content); err != nil {
				return OutcomeFailed, fmt.Errorf("taskhandler: append tool result: %w", err)
			}
		}
	}

	return OutcomeFailed, fmt.Errorf("taskhandler: exceeded max_llm_process_num (%d) iterations", h.opts.maxLLMProcessNum())
}

func (h *Handler) checkSignals(ctx context.Context, contextsRoot string) (signals.Signal, error) {
	pausePending := h.pause != nil && h.pause.Check(contextsRoot)

	stopPending := false
	if h.stop != nil {
		var err error
		stopPending, err = h.stop.Check(ctx, h.task, time.Now())
		if err != nil {
			slog.Warn("taskhandler: stop check failed, continuing", "error", err)
		}
	}

	sig := signals.Precedence(pausePending, stopPending)

	// Pause and stop take precedence over comment detection: a loop that is
	// about to exit must not inject new conversation turns first.
	if sig == signals.SignalNone && h.comments != nil {
		if _, err := h.comments.Check(ctx, h.task, h.messageStoreForComments()); err != nil {
			slog.Warn("taskhandler: comment detection check failed, continuing", "error", err)
		}
	}

	return sig, nil
}

// auditToolCall records one tool-call outcome in tools.jsonl and bumps
// tool_call_count. No-op for Legacy (no context
// store), and never fails the loop — the audit log is observability, not
// task state.
func (h *Handler) auditToolCall(ctx context.Context, call mcpagent.ToolCall, result, errMsg string, status contextstore.ToolCallStatus, elapsed time.Duration) {
	if h.mgr == nil {
		return
	}
	rec := contextstore.ToolRecord{
		Tool:       call.Name,
		Args:       call.Arguments,
		Result:     result,
		Error:      errMsg,
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  time.Now(),
	}
	if err := h.mgr.Tools.Append(rec); err != nil {
		slog.Warn("taskhandler: append tool audit record failed", "tool", call.Name, "error", err)
	}
	if err := h.mgr.IncrementStat(ctx, taskdb.StatToolCall); err != nil {
		slog.Warn("taskhandler: increment tool call counter failed", "tool", call.Name, "error", err)
	}
}

// messageStoreForComments returns the MessageStore the comment-detection
// manager appends synthetic notifications to. Only meaningful for
// Context-Storage and Planning, which is why Handle only calls
// checkSignals when h.mgr != nil.
func (h *Handler) messageStoreForComments() *contextstore.MessageStore {
	return h.mgr.Messages
}

func (h *Handler) finalize(ctx context.Context) error {
	if err := h.task.MarkDone(ctx); err != nil {
		return fmt.Errorf("taskhandler: mark done: %w", err)
	}
	if h.mgr != nil {
		if err := h.mgr.Complete(ctx); err != nil {
			return fmt.Errorf("taskhandler: complete: %w", err)
		}
	}
	return nil
}

// Fail finalizes the task as failed: posts a comment, marks tasks.db, and
// archives the context directory.
func (h *Handler) Fail(ctx context.Context, cause error) error {
	if _, err := h.task.AddComment(ctx, fmt.Sprintf("coding agent failed: %s", cause)); err != nil {
		slog.Error("taskhandler: failed to post failure comment", "error", err)
	}
	if h.mgr != nil {
		if err := h.mgr.Fail(ctx, cause.Error()); err != nil {
			return fmt.Errorf("taskhandler: record failure: %w", err)
		}
	}
	return nil
}

func toolErrorMessage(err error, result *mcpagent.ToolResult) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		return result.Content
	}
	return "tool call failed"
}
