package planning

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/taskdb"
	"github.com/coderelay/forgebot/pkg/taskkey"
)

type fakeForgeClient struct {
	labels   map[string][]string
	comments map[string]string
	nextID   int
}

func newFakeForgeClient() *fakeForgeClient {
	return &fakeForgeClient{labels: map[string][]string{}, comments: map[string]string{}}
}

func (f *fakeForgeClient) ListTasks(ctx context.Context, query string) ([]forgeclient.TaskRef, error) {
	return nil, nil
}
func (f *fakeForgeClient) GetTask(ctx context.Context, key taskkey.Key) (forgeclient.TaskDetails, error) {
	return forgeclient.TaskDetails{Labels: f.labels["x"]}, nil
}
func (f *fakeForgeClient) AddLabel(ctx context.Context, key taskkey.Key, label string) error {
	f.labels["x"] = append(f.labels["x"], label)
	return nil
}
func (f *fakeForgeClient) RemoveLabel(ctx context.Context, key taskkey.Key, label string) error {
	return nil
}
func (f *fakeForgeClient) SetLabels(ctx context.Context, key taskkey.Key, labels []string) error {
	f.labels["x"] = labels
	return nil
}
func (f *fakeForgeClient) ListComments(ctx context.Context, key taskkey.Key) ([]forgeclient.Comment, error) {
	return nil, nil
}
func (f *fakeForgeClient) AddComment(ctx context.Context, key taskkey.Key, body string) (string, error) {
	f.nextID++
	id := "c" + string(rune('0'+f.nextID))
	f.comments[id] = body
	return id, nil
}
func (f *fakeForgeClient) UpdateComment(ctx context.Context, key taskkey.Key, commentID, body string) error {
	f.comments[commentID] = body
	return nil
}
func (f *fakeForgeClient) GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error) {
	return nil, nil
}

func newTestTask(t *testing.T) (*forgeclient.Task, *fakeForgeClient) {
	t.Helper()
	key, err := taskkey.New(taskkey.PlatformGitHub, taskkey.KindIssue, "acme", "widgets", 7)
	require.NoError(t, err)
	fc := newFakeForgeClient()
	return forgeclient.NewTask(fc, key, "agent:run", "agent:processing", "agent:done", "agent:paused", "agent:stopped"), fc
}

func newTestManager(t *testing.T) *contextstore.Manager {
	t.Helper()
	baseDir := t.TempDir()
	db, err := taskdb.Open(filepath.Join(baseDir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key, err := taskkey.New(taskkey.PlatformGitHub, taskkey.KindIssue, "acme", "widgets", 7)
	require.NoError(t, err)

	mgr, err := contextstore.Init(context.Background(), db, baseDir, key, "uuid-plan", "alice", "openai", "gpt-5", 128000, false)
	require.NoError(t, err)
	return mgr
}

// scriptedCompleter returns one scripted JSON response per call, in order.
type scriptedCompleter struct {
	responses []any
	i         int
}

func (s *scriptedCompleter) Complete(ctx context.Context, prompt string) (string, int, error) {
	v := s.responses[s.i]
	if s.i < len(s.responses)-1 {
		s.i++
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", 0, err
	}
	return string(raw), len(raw), nil
}

type okDispatcher struct{}

func (okDispatcher) Execute(ctx context.Context, call mcpagent.ToolCall) (*mcpagent.ToolResult, error) {
	return &mcpagent.ToolResult{Name: call.Name, Content: "done"}, nil
}
func (okDispatcher) ListTools(ctx context.Context) ([]mcpagent.ToolDefinition, error) { return nil, nil }
func (okDispatcher) Close() error                                                     { return nil }

func samplePlan() Plan {
	return Plan{
		GoalUnderstanding: GoalUnderstanding{Objective: "fix the bug"},
		Subtasks:          []Subtask{{ID: "t1", Description: "patch the function"}},
		ExecutionOrder:    []string{"t1"},
		Actions:           []Action{{TaskID: "t1", Tool: "github.get_issue", Purpose: "read context"}},
	}
}

func TestRunGoesThroughPlanningExecutionToComplete(t *testing.T) {
	mgr := newTestManager(t)
	task, fc := newTestTask(t)
	llm := &scriptedCompleter{responses: []any{samplePlan()}}

	c := New(task, mgr, llm, okDispatcher{}, nil, nil, nil, nil, Options{})
	outcome, err := c.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.NotEmpty(t, fc.comments)

	events, err := mgr.Planning.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, contextstore.PlanningEventPlan, events[0].Type)
}

func TestRunReflectsOnToolErrorThenRevises(t *testing.T) {
	mgr := newTestManager(t)
	task, _ := newTestTask(t)
	plan := samplePlan()
	reflection := Reflection{ActionEvaluated: "t1", Status: "failure", PlanRevisionNeeded: true}
	revisedPlan := samplePlan()
	revisedPlan.Actions = append(revisedPlan.Actions, Action{TaskID: "t2", Tool: "github.add_comment"})
	revision := Revision{Reason: "needed another step", RevisedPlan: revisedPlan}

	llm := &scriptedCompleter{responses: []any{plan, reflection, revision}}
	c := New(task, mgr, llm, &errDispatcher{failFirstOnly: true}, nil, nil, nil, nil, Options{TriggerOnError: true})

	outcome, err := c.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	events, err := mgr.Planning.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, contextstore.PlanningEventReflection, events[1].Type)
	require.Equal(t, contextstore.PlanningEventRevision, events[2].Type)
}

type errDispatcher struct {
	failFirstOnly bool
	calls         int
}

func (d *errDispatcher) Execute(ctx context.Context, call mcpagent.ToolCall) (*mcpagent.ToolResult, error) {
	d.calls++
	if !d.failFirstOnly || d.calls == 1 {
		return &mcpagent.ToolResult{Name: call.Name, Content: "boom", IsError: true}, nil
	}
	return &mcpagent.ToolResult{Name: call.Name, Content: "done"}, nil
}
func (d *errDispatcher) ListTools(ctx context.Context) ([]mcpagent.ToolDefinition, error) {
	return nil, nil
}
func (d *errDispatcher) Close() error { return nil }

func TestRunFailsWhenRevisionCapExceeded(t *testing.T) {
	mgr := newTestManager(t)
	task, _ := newTestTask(t)
	plan := samplePlan()
	reflection := Reflection{ActionEvaluated: "t1", Status: "failure", PlanRevisionNeeded: true}
	revision := Revision{Reason: "retry", RevisedPlan: plan}

	responses := []any{plan}
	for i := 0; i < 10; i++ {
		responses = append(responses, reflection, revision)
	}
	llm := &scriptedCompleter{responses: responses}
	c := New(task, mgr, llm, &errDispatcher{}, nil, nil, nil, nil, Options{TriggerOnError: true, MaxRevisions: 1})
	// errDispatcher defaults to failing every call, so every post-revision
	// execution re-triggers reflection/revision until the cap is hit.

	outcome, err := c.Run(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)
	require.Contains(t, err.Error(), "max_revisions")
}
