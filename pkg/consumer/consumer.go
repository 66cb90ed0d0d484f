// Package consumer implements the Consumer driver: dequeues
// descriptors, reconstructs the live ForgeTask, overlays per-user config,
// and dispatches to the Legacy/Context-Storage task handler or the Planning
// coordinator depending on configured strategy.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coderelay/forgebot/pkg/compressor"
	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/health"
	"github.com/coderelay/forgebot/pkg/llmclient"
	"github.com/coderelay/forgebot/pkg/masking"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/planning"
	"github.com/coderelay/forgebot/pkg/queue"
	"github.com/coderelay/forgebot/pkg/session"
	"github.com/coderelay/forgebot/pkg/signals"
	"github.com/coderelay/forgebot/pkg/taskdb"
	"github.com/coderelay/forgebot/pkg/taskhandler"
	"github.com/coderelay/forgebot/pkg/taskkey"
	"github.com/coderelay/forgebot/pkg/userconfig"
)

// outcome mirrors the shared Completed/Paused/Stopped/Failed ordering of
// taskhandler.Outcome and planning.Outcome so finish() can act on either
// strategy's result through one path.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomePaused
	outcomeStopped
	outcomeFailed
)

// Options bundles the per-deployment settings needed to reconstruct
// ForgeTasks and select/parameterize the task handler strategy.
type Options struct {
	TriggerLabel, ProcessingLabel, DoneLabel, PausedLabel, StoppedLabel string

	Strategy      config.TaskHandlerStrategy
	BotUsername   string
	Provider      string
	Model         string
	MaxTokens     int
	ContextLength int
}

func (o Options) usesContextStore() bool {
	return o.Strategy == config.TaskHandlerContextStorage || o.Strategy == config.TaskHandlerPlanning
}

// Consumer drives run_once/run_continuous against one forge, queue, and
// task-handler strategy.
type Consumer struct {
	q     queue.Queue
	forge forgeclient.Client
	db    *taskdb.DB

	baseDir string
	opts    Options

	provider      llmclient.Provider
	newDispatcher func(ctx context.Context) (mcpagent.Dispatcher, error)
	userConfig    userconfig.Fetcher
	sessions      *session.Manager
	masker        *masking.MaskingService

	pause          *signals.PauseResumeManager
	taskStopCfg    config.TaskStopConfig
	commentCfg     config.CommentDetectionConfig
	compressorOpts compressor.Options
	handlerOpts    taskhandler.Options
	planningOpts   planning.Options

	health *health.File
}

// New constructs a Consumer. newDispatcher builds a fresh mcpagent.Dispatcher
// per task; its Close is always called before the task's delivery is acked.
// userConfig may be nil to disable the per-user overlay.
func New(
	q queue.Queue,
	forge forgeclient.Client,
	db *taskdb.DB,
	baseDir string,
	provider llmclient.Provider,
	newDispatcher func(ctx context.Context) (mcpagent.Dispatcher, error),
	userConfig userconfig.Fetcher,
	masker *masking.MaskingService,
	pause *signals.PauseResumeManager,
	taskStopCfg config.TaskStopConfig,
	commentCfg config.CommentDetectionConfig,
	compressorOpts compressor.Options,
	handlerOpts taskhandler.Options,
	planningOpts planning.Options,
	opts Options,
	healthDir string,
) *Consumer {
	return &Consumer{
		q: q, forge: forge, db: db, baseDir: baseDir,
		provider: provider, newDispatcher: newDispatcher, userConfig: userConfig,
		masker:         masker,
		sessions:       session.NewManager(),
		pause:          pause,
		taskStopCfg:    taskStopCfg,
		commentCfg:     commentCfg,
		compressorOpts: compressorOpts,
		handlerOpts:    handlerOpts,
		planningOpts:   planningOpts,
		opts:           opts,
		health:         health.New(healthDir, health.Consumer),
	}
}

// RunOnce drains the queue: dequeues until empty, processing
// one task at a time.
func (c *Consumer) RunOnce(ctx context.Context, timeout time.Duration) error {
	for {
		delivery, err := c.q.Dequeue(ctx, timeout)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consumer: dequeue: %w", err)
		}
		c.processDelivery(ctx, delivery)
	}
}

// RunContinuous loops with no inter-iteration sleep beyond the queue's own
// blocking dequeue timeout, checking the pause signal between tasks and
// exiting once any in-flight task has finished.
func (c *Consumer) RunContinuous(ctx context.Context, queueTimeout time.Duration) error {
	for {
		if err := c.health.Touch(); err != nil {
			slog.Warn("consumer: health touch failed", "error", err)
		}
		if c.pausePending() {
			slog.Info("consumer: pause signal observed, exiting continuous loop")
			return nil
		}

		delivery, err := c.q.Dequeue(ctx, queueTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("consumer: dequeue: %w", err)
		}

		c.processDelivery(ctx, delivery)
	}
}

func (c *Consumer) pausePending() bool {
	if c.pause == nil {
		return false
	}
	return c.pause.Check(c.baseDir)
}

// processDelivery runs one task end to end. Any caught exception is logged
// (the strategy's own Fail method posts the forge comment); the delivery is
// acked regardless of outcome.
func (c *Consumer) processDelivery(ctx context.Context, delivery queue.Delivery) {
	if err := c.run(ctx, delivery.Descriptor); err != nil {
		slog.Error("consumer: task run failed", "task_key", delivery.Descriptor.TaskKey.String(), "uuid", delivery.Descriptor.UUID, "error", err)
	}
	if err := delivery.Ack(); err != nil {
		slog.Error("consumer: ack failed", "uuid", delivery.Descriptor.UUID, "error", err)
	}
}

// run reconstructs the ForgeTask, applies the per-user overlay, builds the
// strategy's machinery, and drives it to a terminal outcome.
func (c *Consumer) run(ctx context.Context, desc taskkey.Descriptor) error {
	task := forgeclient.NewTask(c.forge, desc.TaskKey, c.opts.TriggerLabel, c.opts.ProcessingLabel, c.opts.DoneLabel, c.opts.PausedLabel, c.opts.StoppedLabel)
	task.SetMaskingService(c.masker)

	model, systemPrompt := c.opts.Model, c.handlerOpts.SystemPrompt
	if c.userConfig != nil {
		overlay, err := c.userConfig.Fetch(ctx, desc.User)
		if err != nil && !errors.Is(err, userconfig.ErrNotFound) {
			slog.Warn("consumer: user config fetch failed, using fleet default", "user", desc.User, "error", err)
		} else if err == nil {
			if overlay.Model != "" {
				model = overlay.Model
			}
			if overlay.SystemPrompt != "" {
				systemPrompt = overlay.SystemPrompt
			}
		}
	}

	var mgr *contextstore.Manager
	var resumedState contextstore.TaskState
	resumed := desc.IsResumed
	if c.opts.usesContextStore() {
		if resumed {
			var err error
			resumedState, err = contextstore.OpenPaused(c.baseDir, desc.UUID).ReadTaskState()
			if err != nil {
				return fmt.Errorf("consumer: read paused task_state.json: %w", err)
			}
		}
		m, err := contextstore.Init(ctx, c.db, c.baseDir, desc.TaskKey, desc.UUID, desc.User, c.opts.Provider, model, c.opts.ContextLength, resumed)
		if err != nil {
			return fmt.Errorf("consumer: init context directory: %w", err)
		}
		mgr = m
		if resumed {
			if err := task.MarkResumed(ctx); err != nil {
				return fmt.Errorf("consumer: mark resumed: %w", err)
			}
		}
	}

	dispatcher, err := c.newDispatcher(ctx)
	if err != nil {
		return fmt.Errorf("consumer: build tool dispatcher: %w", err)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			slog.Warn("consumer: dispatcher close failed", "uuid", desc.UUID, "error", err)
		}
	}()

	var resumedComment *contextstore.CommentState
	var resumedPlanning *contextstore.PlanningState
	if resumed {
		resumedComment = resumedState.Comment
		resumedPlanning = resumedState.Planning
	}
	stop := signals.NewTaskStopManager(c.taskStopCfg, c.opts.BotUsername)
	comments := signals.NewCommentDetectionManager(c.commentCfg, c.opts.BotUsername, resumedComment)

	details, err := c.forge.GetTask(ctx, desc.TaskKey)
	if err != nil {
		return fmt.Errorf("consumer: fetch task details: %w", err)
	}
	initialPrompt := buildInitialPrompt(details)

	// resume_count persisted on a pause is the number of resumes so far: 0
	// for a first-time pause, prior count + 1 once this run was itself a
	// resume.
	resumeCount := resumedState.ResumeCount
	if resumed {
		resumeCount++
	}

	var result outcome
	var runErr error
	var failer func(context.Context, error) error
	var pauser func(context.Context) error

	if c.opts.Strategy == config.TaskHandlerPlanning {
		completer := newProviderCompleter(c.provider, model, c.opts.MaxTokens)
		planningOpts := c.planningOpts
		planningOpts.TaskPrompt = initialPrompt
		coord := planning.New(task, mgr, completer, dispatcher, c.pause, stop, comments, resumedPlanning, planningOpts)
		o, err := coord.Run(ctx, c.baseDir)
		result, runErr = outcome(o), err
		failer = coord.Fail
		pauser = func(ctx context.Context) error {
			state := coord.State()
			commentState := comments.State()
			return mgr.Pause(ctx, desc.TaskKey, desc.User, resumeCount, &state, &commentState)
		}
	} else {
		conv, err := c.buildConversation(mgr, model, systemPrompt, initialPrompt, resumed)
		if err != nil {
			return err
		}
		tools, err := dispatcher.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("consumer: list tools: %w", err)
		}
		conv.UpdateTools(tools)
		conv.SetStatisticsHook(func(u llmclient.Usage) {
			slog.Debug("consumer: llm usage", "uuid", desc.UUID, "prompt_tokens", u.PromptTokens, "completion_tokens", u.CompletionTokens, "total_tokens", u.TotalTokens)
		})

		var compress *compressor.Compressor
		if c.opts.Strategy == config.TaskHandlerContextStorage {
			compress = compressor.New(mgr, newProviderCompleter(c.provider, model, c.opts.MaxTokens), c.compressorOpts)
		}

		handler := taskhandler.New(task, conv, dispatcher, c.pause, stop, comments, compress, mgr, c.handlerOpts)
		o, err := handler.Handle(ctx, c.baseDir)
		result, runErr = outcome(o), err
		failer = handler.Fail
		pauser = func(ctx context.Context) error {
			commentState := comments.State()
			return mgr.Pause(ctx, desc.TaskKey, desc.User, resumeCount, nil, &commentState)
		}
	}

	return c.finish(ctx, task, mgr, stop, result, runErr, failer, pauser)
}

// finish applies the forge-side and context-store transitions implied by a
// terminal outcome.
func (c *Consumer) finish(ctx context.Context, task *forgeclient.Task, mgr *contextstore.Manager, stop *signals.TaskStopManager, result outcome, runErr error, failer func(context.Context, error) error, pauser func(context.Context) error) error {
	switch result {
	case outcomeCompleted:
		return nil

	case outcomePaused:
		if mgr != nil {
			if err := pauser(ctx); err != nil {
				return fmt.Errorf("consumer: persist pause state: %w", err)
			}
		}
		if _, err := task.AddComment(ctx, "coding agent paused: a fleet-wide pause signal is in effect; work resumes automatically once it is cleared"); err != nil {
			slog.Warn("consumer: post pause comment failed", "error", err)
		}
		if err := task.MarkPaused(ctx); err != nil {
			return fmt.Errorf("consumer: mark paused: %w", err)
		}
		return nil

	case outcomeStopped:
		if err := stop.Apply(ctx, task, mgr); err != nil {
			return fmt.Errorf("consumer: apply stop: %w", err)
		}
		return nil

	default: // outcomeFailed
		if failErr := failer(ctx, runErr); failErr != nil {
			slog.Error("consumer: strategy Fail failed", "error", failErr)
		}
		return runErr
	}
}

// conversation is the wire contract shared by session.Client and
// llmclient.Client, mirroring taskhandler's own private interface so both
// strategies can be constructed uniformly here.
type conversation interface {
	AppendUser(text string) (int, error)
	AppendToolResult(name, payload string) (int, error)
	UpdateTools(tools []mcpagent.ToolDefinition)
	SetStatisticsHook(hook llmclient.StatisticsHook)
	GetResponse(ctx context.Context) (llmclient.Response, error)
}

// buildConversation constructs the Legacy (in-memory session) or Context-
// Storage (persisted MessageStore) conversation backend, seeding the
// system/user turns only for a fresh (non-resumed) task — a resumed task's
// turns already live in current.jsonl.
func (c *Consumer) buildConversation(mgr *contextstore.Manager, model, systemPrompt, initialPrompt string, resumed bool) (conversation, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("consumer: no LLM provider configured")
	}

	if c.opts.Strategy == config.TaskHandlerLegacy {
		sess, err := c.sessions.Create(systemPrompt, initialPrompt)
		if err != nil {
			return nil, fmt.Errorf("consumer: create session: %w", err)
		}
		return session.NewClient(sess, c.provider, model, c.opts.MaxTokens), nil
	}

	conv := llmclient.New(mgr, c.provider, model, c.opts.MaxTokens)
	if !resumed {
		if _, err := conv.AppendSystem(systemPrompt); err != nil {
			return nil, fmt.Errorf("consumer: append system prompt: %w", err)
		}
		if _, err := conv.AppendUser(initialPrompt); err != nil {
			return nil, fmt.Errorf("consumer: append initial task prompt: %w", err)
		}
	}
	return conv, nil
}

// buildInitialPrompt renders the forge work item's title and body as the
// first user turn.
func buildInitialPrompt(details forgeclient.TaskDetails) string {
	return fmt.Sprintf("%s\n\n%s", details.Title, details.Body)
}

// providerCompleter adapts an llmclient.Provider into the single-shot
// Complete(ctx, prompt) shape shared by compressor.Completer and
// planning.Completer, issuing one user-role request outside the task's own
// conversation history.
type providerCompleter struct {
	provider  llmclient.Provider
	model     string
	maxTokens int
}

func newProviderCompleter(provider llmclient.Provider, model string, maxTokens int) providerCompleter {
	return providerCompleter{provider: provider, model: model, maxTokens: maxTokens}
}

func (p providerCompleter) Complete(ctx context.Context, prompt string) (string, int, error) {
	resp, err := p.provider.Complete(ctx, llmclient.Request{
		Model:     p.model,
		Messages:  []llmclient.RequestMessage{{Role: "user", Content: prompt}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", 0, fmt.Errorf("consumer: side completion request: %w", err)
	}
	return resp.Text, resp.Usage.TotalTokens, nil
}
