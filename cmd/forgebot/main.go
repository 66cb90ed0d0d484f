// Command forgebot is the CLI entry point: runs the producer, the
// consumer, or both once, in single-shot or continuous mode.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coderelay/forgebot/pkg/cleanup"
	"github.com/coderelay/forgebot/pkg/compressor"
	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/consumer"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/health"
	"github.com/coderelay/forgebot/pkg/llmclient"
	"github.com/coderelay/forgebot/pkg/masking"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/opsserver"
	"github.com/coderelay/forgebot/pkg/planning"
	"github.com/coderelay/forgebot/pkg/producer"
	"github.com/coderelay/forgebot/pkg/queue"
	"github.com/coderelay/forgebot/pkg/signals"
	"github.com/coderelay/forgebot/pkg/taskdb"
	"github.com/coderelay/forgebot/pkg/taskhandler"
	"github.com/coderelay/forgebot/pkg/userconfig"
)

var (
	mode       string
	continuous bool
)

// defaultSystemPrompt encodes the wire contract every strategy's LLM calls
// are held to: tool calls, planning-phase payloads, or a done signal.
const defaultSystemPrompt = `You are an autonomous coding agent working one task to completion.
Respond with exactly one JSON object per turn, in one of these shapes:
  {"role":"assistant","function_call":{"name":string,"arguments":object}} to invoke a tool
  {"phase":"planning"|"reflection"|"revision", ...} when running under the Planning coordinator
  {"done":true,"comment":string} once the task is finished
"arguments" must be a JSON object, never a string.`

func main() {
	root := &cobra.Command{
		Use:   "forgebot",
		Short: "Autonomous coding-agent task orchestrator",
		RunE:  run,
	}
	root.Flags().StringVar(&mode, "mode", "", "producer|consumer (omitted: run producer then consumer once)")
	root.Flags().BoolVar(&continuous, "continuous", false, "run the selected mode's long-running loop instead of a single pass")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	setupLogging()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	if mode != "" && mode != "producer" && mode != "consumer" {
		return fmt.Errorf("forgebot: --mode must be producer or consumer, got %q", mode)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Initialize(ctx, config.ConfigFilePath())
	if err != nil {
		return fmt.Errorf("forgebot: initialize config: %w", err)
	}

	app, err := wire(ctx, cfg)
	if err != nil {
		return fmt.Errorf("forgebot: wire components: %w", err)
	}
	defer app.close()

	app.cleanup.Start(ctx)
	defer app.cleanup.Stop()

	if app.ops != nil {
		go func() {
			if err := app.ops.Run(":8080"); err != nil {
				slog.Error("ops server exited", "error", err)
			}
		}()
	}

	switch mode {
	case "producer":
		return app.runProducer(ctx)
	case "consumer":
		return app.runConsumer(ctx)
	default:
		if err := app.runProducer(ctx); err != nil {
			return err
		}
		return app.runConsumer(ctx)
	}
}

// setupLogging configures slog from DEBUG (level) and LOGS (output path).
func setupLogging() {
	level := slog.LevelInfo
	if debug, _ := strconv.ParseBool(os.Getenv("DEBUG")); debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if path := os.Getenv("LOGS"); path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		} else {
			slog.Error("failed to open log file, falling back to stderr", "path", path, "error", err)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

// app bundles every driver/service wired from one Config so main can pick
// which to run per --mode.
type app struct {
	producer *producer.Producer
	consumer *consumer.Consumer
	cleanup  *cleanup.Service
	ops      *opsserver.Server

	queue queue.Queue
	db    *taskdb.DB

	producerIntervalMinutes int
	producerDelayFirstRun   bool
	consumerQueueTimeout    time.Duration
}

func (a *app) close() {
	if err := a.queue.Close(); err != nil {
		slog.Error("close queue failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		slog.Error("close tasks.db failed", "error", err)
	}
}

func (a *app) runProducer(ctx context.Context) error {
	if continuous {
		interval := time.Duration(a.producerIntervalMinutes) * time.Minute
		return a.producer.RunContinuous(ctx, interval, a.producerDelayFirstRun)
	}
	return a.producer.RunOnce(ctx)
}

func (a *app) runConsumer(ctx context.Context) error {
	if continuous {
		return a.consumer.RunContinuous(ctx, a.consumerQueueTimeout)
	}
	return a.consumer.RunOnce(ctx, time.Second)
}

// wire constructs every package-level component from cfg: config, then
// clients/registries, then the drivers that depend on them.
func wire(ctx context.Context, cfg *config.Config) (*app, error) {
	baseDir := cfg.ContextStorage.BaseDir
	if baseDir == "" {
		baseDir = "."
	}

	db, err := taskdb.Open(filepath.Join(baseDir, "tasks.db"))
	if err != nil {
		return nil, fmt.Errorf("open tasks.db: %w", err)
	}

	q, err := queue.New(cfg.RabbitMQ)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("construct queue: %w", err)
	}

	forge, err := buildForgeClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct forge client: %w", err)
	}

	pause := signals.NewPauseResumeManager(cfg.PauseResume)

	labelOpts := struct {
		trigger, processing, done, paused, stopped string
	}{cfg.Forge.BotLabel, cfg.Forge.ProcessingLabel, cfg.Forge.DoneLabel, cfg.Forge.PausedLabel, cfg.Forge.StoppedLabel}

	prod := producer.New(
		filepath.Join(baseDir, "producer.lock"),
		forge, q, baseDir,
		producer.Options{
			TriggerLabel: labelOpts.trigger, ProcessingLabel: labelOpts.processing,
			DoneLabel: labelOpts.done, PausedLabel: labelOpts.paused, StoppedLabel: labelOpts.stopped,
		},
		pause, baseDir,
	)

	llmProvider, err := cfg.ActiveLLMProvider()
	if err != nil {
		return nil, fmt.Errorf("active LLM provider: %w", err)
	}
	provider := llmclient.NewHTTPProvider(llmProvider.BaseURL, os.Getenv(llmProvider.APIKeyEnv))

	maskingSvc := masking.NewMaskingService(cfg.MCPServerRegistry, masking.CommentMaskingConfig{
		Enabled:      true,
		PatternGroup: "secrets",
	})
	mcpFactory := mcpagent.NewClientFactory(cfg.MCPServerRegistry, maskingSvc)
	newDispatcher := func(ctx context.Context) (mcpagent.Dispatcher, error) {
		executor, _, err := mcpFactory.CreateToolExecutor(ctx, mcpServerIDs(cfg), nil)
		if err != nil {
			return nil, err
		}
		return executor, nil
	}

	var userCfgFetcher userconfig.Fetcher
	if url := os.Getenv("USER_CONFIG_URL"); url != "" {
		userCfgFetcher = userconfig.NewHTTPFetcher(url)
	}

	cons := consumer.New(
		q, forge, db, baseDir,
		provider, newDispatcher, userCfgFetcher,
		maskingSvc,
		pause,
		cfg.TaskStop, cfg.CommentDetection,
		compressor.Options{
			ContextLength:         llmProvider.ContextLength,
			CompressionThreshold:  cfg.ContextStorage.CompressionThreshold,
			RetainedTailMessages:  cfg.ContextStorage.RetainedTailMessages,
			SummaryPromptTemplate: cfg.ContextStorage.SummaryPrompt,
		},
		taskhandler.Options{
			Strategy:         cfg.Strategy(),
			MaxLLMProcessNum: cfg.MaxLLMProcessNum,
			SystemPrompt:     defaultSystemPrompt,
		},
		planning.Options{
			TriggerOnError:  cfg.Planning.Reflection.TriggerOnError,
			TriggerInterval: cfg.Planning.Reflection.TriggerInterval,
			MaxRevisions:    cfg.Planning.Revision.MaxRevisions,
			SystemPrompt:    defaultSystemPrompt,
		},
		consumer.Options{
			TriggerLabel: labelOpts.trigger, ProcessingLabel: labelOpts.processing,
			DoneLabel: labelOpts.done, PausedLabel: labelOpts.paused, StoppedLabel: labelOpts.stopped,
			Strategy:      cfg.Strategy(),
			BotUsername:   cfg.Forge.BotName,
			Provider:      cfg.LLM.Provider,
			Model:         llmProvider.Model,
			MaxTokens:     llmProvider.MaxTokens,
			ContextLength: llmProvider.ContextLength,
		},
		baseDir,
	)

	cleanupSvc := cleanup.NewService(&cfg.Retention, baseDir, db, cfg.PauseResume.PausedTaskExpiryDays)

	var ops *opsserver.Server
	if cfg.ContextStorage.Enabled {
		ops = opsserver.New(health.New(baseDir, health.Producer), health.New(baseDir, health.Consumer), 10*time.Minute)
	}

	return &app{
		producer: prod, consumer: cons, cleanup: cleanupSvc, ops: ops, queue: q, db: db,
		producerIntervalMinutes: cfg.Continuous.Producer.IntervalMinutes,
		producerDelayFirstRun:   cfg.Continuous.Producer.DelayFirstRun,
		consumerQueueTimeout:    cfg.Continuous.Consumer.QueueTimeout(),
	}, nil
}

func buildForgeClient(cfg *config.Config) (forgeclient.Client, error) {
	switch cfg.TaskSource.Type {
	case config.TaskSourceGitHub:
		return forgeclient.NewGitHubClient(cfg.Forge.Owner, cfg.Forge.Repo, cfg.Forge.PersonalAccessToken, cfg.Forge.APIURL), nil
	default:
		return nil, fmt.Errorf("task_source %q has no concrete forge client wired (only github is implemented)", cfg.TaskSource.Type)
	}
}

func mcpServerIDs(cfg *config.Config) []string {
	all := cfg.MCPServerRegistry.GetAll()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids
}
