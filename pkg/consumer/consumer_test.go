package consumer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/forgebot/pkg/compressor"
	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/llmclient"
	"github.com/coderelay/forgebot/pkg/masking"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/planning"
	"github.com/coderelay/forgebot/pkg/queue"
	"github.com/coderelay/forgebot/pkg/taskdb"
	"github.com/coderelay/forgebot/pkg/taskhandler"
	"github.com/coderelay/forgebot/pkg/taskkey"
	"github.com/coderelay/forgebot/pkg/userconfig"
)

type fakeForge struct {
	labels   map[string][]string
	comments []string
}

func newFakeForge() *fakeForge {
	return &fakeForge{labels: map[string][]string{}}
}

func (f *fakeForge) ListTasks(ctx context.Context, query string) ([]forgeclient.TaskRef, error) {
	return nil, nil
}
func (f *fakeForge) GetTask(ctx context.Context, key taskkey.Key) (forgeclient.TaskDetails, error) {
	return forgeclient.TaskDetails{Title: "fix the bug", Body: "details here", Labels: f.labels[key.String()]}, nil
}
func (f *fakeForge) AddLabel(ctx context.Context, key taskkey.Key, label string) error {
	f.labels[key.String()] = append(f.labels[key.String()], label)
	return nil
}
func (f *fakeForge) RemoveLabel(ctx context.Context, key taskkey.Key, label string) error {
	var out []string
	for _, l := range f.labels[key.String()] {
		if l != label {
			out = append(out, l)
		}
	}
	f.labels[key.String()] = out
	return nil
}
func (f *fakeForge) SetLabels(ctx context.Context, key taskkey.Key, labels []string) error {
	f.labels[key.String()] = labels
	return nil
}
func (f *fakeForge) ListComments(ctx context.Context, key taskkey.Key) ([]forgeclient.Comment, error) {
	return nil, nil
}
func (f *fakeForge) AddComment(ctx context.Context, key taskkey.Key, body string) (string, error) {
	f.comments = append(f.comments, body)
	return "c1", nil
}
func (f *fakeForge) UpdateComment(ctx context.Context, key taskkey.Key, commentID, body string) error {
	return nil
}
func (f *fakeForge) GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error) {
	return nil, nil
}

// doneProvider always answers Done on the first GetResponse call.
type doneProvider struct{}

func (doneProvider) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	return llmclient.Response{Done: true, Usage: llmclient.Usage{TotalTokens: 5}}, nil
}

// failingProvider always returns an error, simulating an upstream LLM
// failure so the handler takes the OutcomeFailed path and posts a failure
// comment through Task.AddComment.
type failingProvider struct{ err error }

func (p failingProvider) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	return llmclient.Response{}, p.err
}

type stubDispatcher struct{}

func (stubDispatcher) Execute(ctx context.Context, call mcpagent.ToolCall) (*mcpagent.ToolResult, error) {
	return &mcpagent.ToolResult{Name: call.Name, Content: "ok"}, nil
}
func (stubDispatcher) ListTools(ctx context.Context) ([]mcpagent.ToolDefinition, error) {
	return nil, nil
}
func (stubDispatcher) Close() error { return nil }

func testKey(t *testing.T) taskkey.Key {
	t.Helper()
	key, err := taskkey.New(taskkey.PlatformGitHub, taskkey.KindIssue, "acme", "widgets", 7)
	require.NoError(t, err)
	return key
}

func newConsumer(t *testing.T, q queue.Queue, baseDir string, strategy config.TaskHandlerStrategy, uc userconfig.Fetcher) (*Consumer, *fakeForge) {
	return newConsumerWithProvider(t, q, baseDir, strategy, uc, doneProvider{}, nil)
}

func newConsumerWithProvider(t *testing.T, q queue.Queue, baseDir string, strategy config.TaskHandlerStrategy, uc userconfig.Fetcher, provider llmclient.Provider, masker *masking.MaskingService) (*Consumer, *fakeForge) {
	t.Helper()
	db, err := taskdb.Open(filepath.Join(baseDir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fc := newFakeForge()
	c := New(
		q, fc, db, baseDir,
		provider,
		func(ctx context.Context) (mcpagent.Dispatcher, error) { return stubDispatcher{}, nil },
		uc,
		masker,
		nil,
		config.TaskStopConfig{},
		config.CommentDetectionConfig{},
		compressor.Options{},
		taskhandler.Options{SystemPrompt: "be helpful"},
		planning.Options{},
		Options{
			TriggerLabel: "agent:run", ProcessingLabel: "agent:processing", DoneLabel: "agent:done",
			PausedLabel: "agent:paused", StoppedLabel: "agent:stopped",
			Strategy: strategy, Provider: "openai", Model: "gpt-5", MaxTokens: 4096, ContextLength: 128000,
		},
		baseDir,
	)
	return c, fc
}

func TestRunOnceCompletesLegacyTask(t *testing.T) {
	baseDir := t.TempDir()
	q := queue.NewMemoryQueue()
	c, fc := newConsumer(t, q, baseDir, config.TaskHandlerLegacy, nil)

	key := testKey(t)
	require.NoError(t, q.Enqueue(context.Background(), taskkey.Descriptor{TaskKey: key, UUID: "u1", User: "alice"}))

	require.NoError(t, c.RunOnce(context.Background(), time.Millisecond))
	require.Contains(t, fc.labels[key.String()], "agent:done")
}

func TestRunOnceCompletesContextStorageTask(t *testing.T) {
	baseDir := t.TempDir()
	q := queue.NewMemoryQueue()
	c, fc := newConsumer(t, q, baseDir, config.TaskHandlerContextStorage, nil)

	key := testKey(t)
	require.NoError(t, q.Enqueue(context.Background(), taskkey.Descriptor{TaskKey: key, UUID: "u2", User: "bob"}))

	require.NoError(t, c.RunOnce(context.Background(), time.Millisecond))
	require.Contains(t, fc.labels[key.String()], "agent:done")
}

// TestRunOnceMasksFailureComment verifies that a secret leaking into the
// failure comment posted by the task handler's Fail path is redacted before
// it reaches the forge, via Task.AddComment's installed MaskingService.
func TestRunOnceMasksFailureComment(t *testing.T) {
	baseDir := t.TempDir()
	q := queue.NewMemoryQueue()
	secret := `api_key: "abcdefghijklmnopqrstuvwx"`
	masker := masking.NewMaskingService(config.NewMCPServerRegistry(nil), masking.CommentMaskingConfig{
		Enabled: true, PatternGroup: "secrets",
	})
	c, fc := newConsumerWithProvider(t, q, baseDir, config.TaskHandlerLegacy, nil,
		failingProvider{err: fmt.Errorf("upstream rejected request: %s", secret)}, masker)

	key := testKey(t)
	require.NoError(t, q.Enqueue(context.Background(), taskkey.Descriptor{TaskKey: key, UUID: "u4", User: "carol"}))

	require.NoError(t, c.RunOnce(context.Background(), time.Millisecond))
	require.Len(t, fc.comments, 1)
	require.NotContains(t, fc.comments[0], "abcdefghijklmnopqrstuvwx")
	require.Contains(t, fc.comments[0], "[MASKED_API_KEY]")
}

// TestRunOnceResumesPausedTask drives a full pause→resume cycle: a paused
// context directory returns to running/, the paused label gives way to
// processing, and the prior conversation survives into the completed
// snapshot.
func TestRunOnceResumesPausedTask(t *testing.T) {
	baseDir := t.TempDir()
	key := testKey(t)

	setupDB, err := taskdb.Open(filepath.Join(baseDir, "tasks.db"))
	require.NoError(t, err)
	mgr, err := contextstore.Init(context.Background(), setupDB, baseDir, key, "u5", "alice", "openai", "gpt-5", 128000, false)
	require.NoError(t, err)
	_, err = mgr.Messages.Append(contextstore.RoleUser, "fix the bug", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Pause(context.Background(), key, "alice", 0, nil, nil))
	require.NoError(t, setupDB.Close())

	q := queue.NewMemoryQueue()
	c, fc := newConsumer(t, q, baseDir, config.TaskHandlerContextStorage, nil)
	fc.labels[key.String()] = []string{"agent:paused"}

	desc := taskkey.NewResumedDescriptor(key, "u5", "alice", filepath.Join(baseDir, "paused", "u5"))
	require.NoError(t, q.Enqueue(context.Background(), desc))
	require.NoError(t, c.RunOnce(context.Background(), time.Millisecond))

	require.NotContains(t, fc.labels[key.String()], "agent:paused")
	require.Contains(t, fc.labels[key.String()], "agent:done")

	_, err = os.Stat(filepath.Join(baseDir, "completed", "u5"))
	require.NoError(t, err)

	// The pre-pause conversation prefix survives into the final snapshot.
	data, err := os.ReadFile(filepath.Join(baseDir, "completed", "u5", "current.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "fix the bug")
}

// fakeUserConfig overrides the model for one user.
type fakeUserConfig struct {
	overlay map[string]userconfig.Overlay
}

func (f fakeUserConfig) Fetch(ctx context.Context, user string) (userconfig.Overlay, error) {
	o, ok := f.overlay[user]
	if !ok {
		return userconfig.Overlay{}, userconfig.ErrNotFound
	}
	return o, nil
}

func TestRunOnceAppliesUserConfigOverlay(t *testing.T) {
	baseDir := t.TempDir()
	q := queue.NewMemoryQueue()
	uc := fakeUserConfig{overlay: map[string]userconfig.Overlay{"alice": {Model: "gpt-6"}}}
	c, fc := newConsumer(t, q, baseDir, config.TaskHandlerLegacy, uc)

	key := testKey(t)
	require.NoError(t, q.Enqueue(context.Background(), taskkey.Descriptor{TaskKey: key, UUID: "u3", User: "alice"}))

	require.NoError(t, c.RunOnce(context.Background(), time.Millisecond))
	require.Contains(t, fc.labels[key.String()], "agent:done")
}
