// Package planning implements the Planning coordinator: a nested
// state machine — Planning, Execution, Reflection, Revision, Complete,
// Failed — layered on the same MessageStore, ContextManager, and signal
// managers as the Context-Storage task handler.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/mcpagent"
	"github.com/coderelay/forgebot/pkg/signals"
	"github.com/coderelay/forgebot/pkg/taskdb"
)

// Phase is one state of the nested state machine.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecution  Phase = "execution"
	PhaseReflection Phase = "reflection"
	PhaseRevision   Phase = "revision"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

const defaultTriggerInterval = 3
const defaultMaxRevisions = 3

// GoalUnderstanding is the plan event's restatement of the task.
type GoalUnderstanding struct {
	Objective       string   `json:"objective"`
	SuccessCriteria []string `json:"success_criteria"`
	Constraints     []string `json:"constraints"`
}

// Subtask is one decomposed unit of work inside a Plan.
type Subtask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	Complexity   string   `json:"complexity"`
}

// Action is one planned tool invocation.
type Action struct {
	TaskID          string `json:"task_id"`
	Tool            string `json:"tool"`
	Purpose         string `json:"purpose"`
	ExpectedOutcome string `json:"expected_outcome"`
	Fallback        string `json:"fallback"`
}

// Plan is the payload of a "plan" planning-log event.
type Plan struct {
	GoalUnderstanding GoalUnderstanding `json:"goal_understanding"`
	Subtasks          []Subtask         `json:"subtasks"`
	ExecutionOrder    []string          `json:"execution_order"`
	Actions           []Action          `json:"actions"`
}

// Revision is the payload of a "revision" planning-log event.
type Revision struct {
	Reason      string   `json:"reason"`
	Changes     []string `json:"changes"`
	RevisedPlan Plan     `json:"revised_plan"`
}

// Reflection is the payload of a "reflection" planning-log event.
type Reflection struct {
	ActionEvaluated    string `json:"action_evaluated"`
	Status             string `json:"status"` // success|failure|partial
	Evaluation         string `json:"evaluation"`
	PlanRevisionNeeded bool   `json:"plan_revision_needed"`
}

// Completer is the narrow LLM capability the coordinator needs: send a
// prompt constrained to one of the planning JSON shapes and get back
// the raw JSON text. Mirrors compressor.Completer's shape so both packages
// can share an adapter over llmclient/session providers.
type Completer interface {
	Complete(ctx context.Context, prompt string) (text string, tokens int, err error)
}

// Options configures one Coordinator run. TaskPrompt is the forge work
// item's title and body, rendered into the planning request so the model
// plans against the actual task.
type Options struct {
	TriggerOnError  bool
	TriggerInterval int
	MaxRevisions    int
	SystemPrompt    string
	TaskPrompt      string
}

func (o Options) triggerInterval() int {
	if o.TriggerInterval <= 0 {
		return defaultTriggerInterval
	}
	return o.TriggerInterval
}

func (o Options) maxRevisions() int {
	if o.MaxRevisions <= 0 {
		return defaultMaxRevisions
	}
	return o.MaxRevisions
}

// Coordinator drives the Planning strategy's nested state machine for one
// task.
type Coordinator struct {
	task       *forgeclient.Task
	mgr        *contextstore.Manager
	llm        Completer
	dispatcher mcpagent.Dispatcher
	pause      *signals.PauseResumeManager
	stop       *signals.TaskStopManager
	comments   *signals.CommentDetectionManager
	opts       Options

	current             Plan
	actionCounter       int
	revisionCounter     int
	checklistCommentID  string
	actionsSinceReflect int

	// Most recent executed action and its outcome, rendered into the
	// reflection prompt; lastReflection feeds the revision prompt.
	lastAction     Action
	lastOutcome    string
	lastReflection Reflection
}

// New constructs a Coordinator. resumed, if non-nil, recovers prior progress
// from a paused task_state.json.
func New(task *forgeclient.Task, mgr *contextstore.Manager, llm Completer, dispatcher mcpagent.Dispatcher, pause *signals.PauseResumeManager, stop *signals.TaskStopManager, comments *signals.CommentDetectionManager, resumed *contextstore.PlanningState, opts Options) *Coordinator {
	c := &Coordinator{task: task, mgr: mgr, llm: llm, dispatcher: dispatcher, pause: pause, stop: stop, comments: comments, opts: opts}
	if resumed != nil {
		c.actionCounter = resumed.ActionCounter
		c.revisionCounter = resumed.RevisionCounter
		c.checklistCommentID = resumed.ChecklistCommentID
	}
	return c
}

// Outcome is the terminal result of Run.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomePaused
	OutcomeStopped
	OutcomeFailed
)

// State snapshots progress for persistence in task_state.json on pause.
func (c *Coordinator) State() contextstore.PlanningState {
	return contextstore.PlanningState{
		CurrentPhase:       string(c.phase()),
		ActionCounter:      c.actionCounter,
		RevisionCounter:    c.revisionCounter,
		ChecklistCommentID: c.checklistCommentID,
	}
}

func (c *Coordinator) phase() Phase {
	if c.checklistCommentID == "" && len(c.current.Actions) == 0 {
		return PhasePlanning
	}
	return PhaseExecution
}

// Run drives the state machine until Complete, Failed, or a pause/stop
// signal is observed at a transition boundary.
func (c *Coordinator) Run(ctx context.Context, contextsRoot string) (Outcome, error) {
	phase := c.phase()
	if len(c.current.Actions) == 0 {
		if latest, err := c.recoverLatestPlan(); err != nil {
			return OutcomeFailed, err
		} else if latest != nil {
			phase = PhaseExecution
		}
	}

	for {
		if sig, err := c.checkSignals(ctx, contextsRoot); err != nil {
			return OutcomeFailed, err
		} else if sig == signals.SignalPause {
			return OutcomePaused, nil
		} else if sig == signals.SignalStop {
			return OutcomeStopped, nil
		}

		var err error
		switch phase {
		case PhasePlanning:
			phase, err = c.runPlanning(ctx)
		case PhaseExecution:
			phase, err = c.runExecution(ctx)
		case PhaseReflection:
			phase, err = c.runReflection(ctx)
		case PhaseRevision:
			phase, err = c.runRevision(ctx)
		case PhaseComplete:
			if finErr := c.finalize(ctx); finErr != nil {
				return OutcomeFailed, finErr
			}
			return OutcomeCompleted, nil
		}
		if err != nil {
			return OutcomeFailed, err
		}
	}
}

func (c *Coordinator) recoverLatestPlan() (*contextstore.PlanningEvent, error) {
	latest, err := c.mgr.Planning.Latest()
	if err != nil {
		return nil, fmt.Errorf("planning: read latest event: %w", err)
	}
	if latest == nil {
		return nil, nil
	}
	if err := c.loadPlanFromEvent(*latest); err != nil {
		return nil, err
	}
	return latest, nil
}

func (c *Coordinator) loadPlanFromEvent(ev contextstore.PlanningEvent) error {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("planning: re-marshal recovered event: %w", err)
	}
	switch ev.Type {
	case contextstore.PlanningEventPlan:
		var p Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("planning: decode recovered plan: %w", err)
		}
		c.current = p
	case contextstore.PlanningEventRevision:
		var r Revision
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("planning: decode recovered revision: %w", err)
		}
		c.current = r.RevisedPlan
	}
	return nil
}

func (c *Coordinator) checkSignals(ctx context.Context, contextsRoot string) (signals.Signal, error) {
	pausePending := c.pause != nil && c.pause.Check(contextsRoot)

	stopPending := false
	if c.stop != nil {
		var err error
		stopPending, err = c.stop.Check(ctx, c.task, time.Now())
		if err != nil {
			return signals.SignalNone, fmt.Errorf("planning: stop check: %w", err)
		}
	}
	sig := signals.Precedence(pausePending, stopPending)

	// Pause and stop take precedence over comment detection; don't inject
	// new turns into a conversation the coordinator is about to leave.
	if sig == signals.SignalNone && c.comments != nil {
		if _, err := c.comments.Check(ctx, c.task, c.mgr.Messages); err != nil {
			return signals.SignalNone, fmt.Errorf("planning: comment check: %w", err)
		}
	}
	return sig, nil
}

// runPlanning requests an LLM response constrained to the planning schema,
// records it, posts the checklist comment, and transitions to Execution.
func (c *Coordinator) runPlanning(ctx context.Context) (Phase, error) {
	text, _, err := c.llm.Complete(ctx, c.planningPrompt())
	if err != nil {
		return PhaseFailed, fmt.Errorf("planning: plan request failed: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return PhaseFailed, fmt.Errorf("planning: malformed plan response: %w", err)
	}

	if err := c.mgr.Planning.Append(contextstore.PlanningEventPlan, plan); err != nil {
		return PhaseFailed, fmt.Errorf("planning: record plan: %w", err)
	}
	c.current = plan

	commentID, err := c.task.AddComment(ctx, renderChecklist(plan, nil))
	if err != nil {
		return PhaseFailed, fmt.Errorf("planning: post checklist comment: %w", err)
	}
	c.checklistCommentID = commentID

	return PhaseExecution, nil
}

// runExecution advances action_counter by one action, executes its tool,
// records the outcome, and decides whether to reflect.
func (c *Coordinator) runExecution(ctx context.Context) (Phase, error) {
	if c.actionCounter >= len(c.current.Actions) {
		return PhaseComplete, nil
	}
	action := c.current.Actions[c.actionCounter]

	started := time.Now()
	result, execErr := c.dispatcher.Execute(ctx, mcpagent.ToolCall{Name: action.Tool, Arguments: "{}"})
	status := contextstore.ToolCallOK
	resultText := ""
	errText := ""
	if execErr != nil {
		status = contextstore.ToolCallError
		errText = execErr.Error()
	} else if result != nil {
		resultText = result.Content
		if result.IsError {
			status = contextstore.ToolCallError
			errText = result.Content
		}
	}
	if err := c.mgr.Tools.Append(contextstore.ToolRecord{Tool: action.Tool, Args: "{}", Result: resultText, Error: errText, Status: status, DurationMS: time.Since(started).Milliseconds(), Timestamp: time.Now()}); err != nil {
		return PhaseFailed, fmt.Errorf("planning: record tool outcome: %w", err)
	}
	if err := c.mgr.IncrementStat(ctx, taskdb.StatToolCall); err != nil {
		return PhaseFailed, fmt.Errorf("planning: increment tool call counter: %w", err)
	}

	c.lastAction = action
	c.lastOutcome = resultText
	if errText != "" {
		c.lastOutcome = errText
	}

	c.actionCounter++
	c.actionsSinceReflect++

	triggerError := status == contextstore.ToolCallError && c.opts.TriggerOnError
	triggerInterval := c.actionsSinceReflect >= c.opts.triggerInterval()
	if triggerError || triggerInterval {
		c.actionsSinceReflect = 0
		return PhaseReflection, nil
	}

	if err := c.task.UpdateComment(ctx, c.checklistCommentID, renderChecklist(c.current, completedIDs(c.current, c.actionCounter))); err != nil {
		return PhaseFailed, fmt.Errorf("planning: update checklist comment: %w", err)
	}

	if c.actionCounter >= len(c.current.Actions) {
		return PhaseComplete, nil
	}
	return PhaseExecution, nil
}

// runReflection asks the LLM to evaluate the most recent action.
func (c *Coordinator) runReflection(ctx context.Context) (Phase, error) {
	text, _, err := c.llm.Complete(ctx, c.reflectionPrompt())
	if err != nil {
		return PhaseFailed, fmt.Errorf("planning: reflection request failed: %w", err)
	}
	var refl Reflection
	if err := json.Unmarshal([]byte(text), &refl); err != nil {
		return PhaseFailed, fmt.Errorf("planning: malformed reflection response: %w", err)
	}
	if err := c.mgr.Planning.Append(contextstore.PlanningEventReflection, refl); err != nil {
		return PhaseFailed, fmt.Errorf("planning: record reflection: %w", err)
	}
	c.lastReflection = refl
	if refl.PlanRevisionNeeded {
		return PhaseRevision, nil
	}
	return PhaseExecution, nil
}

// runRevision asks the LLM for a revised plan, enforcing the hard cap on
// consecutive revisions.
func (c *Coordinator) runRevision(ctx context.Context) (Phase, error) {
	if c.revisionCounter >= c.opts.maxRevisions() {
		return PhaseFailed, fmt.Errorf("planning: exceeded max_revisions (%d)", c.opts.maxRevisions())
	}

	text, _, err := c.llm.Complete(ctx, c.revisionPrompt())
	if err != nil {
		return PhaseFailed, fmt.Errorf("planning: revision request failed: %w", err)
	}
	var rev Revision
	if err := json.Unmarshal([]byte(text), &rev); err != nil {
		return PhaseFailed, fmt.Errorf("planning: malformed revision response: %w", err)
	}
	if err := c.mgr.Planning.Append(contextstore.PlanningEventRevision, rev); err != nil {
		return PhaseFailed, fmt.Errorf("planning: record revision: %w", err)
	}

	c.revisionCounter++
	c.current = rev.RevisedPlan
	c.actionCounter = 0

	return PhaseExecution, nil
}

func (c *Coordinator) finalize(ctx context.Context) error {
	if err := c.task.MarkDone(ctx); err != nil {
		return fmt.Errorf("planning: mark done: %w", err)
	}
	if err := c.task.UpdateComment(ctx, c.checklistCommentID, renderChecklist(c.current, completedIDs(c.current, len(c.current.Actions)))); err != nil {
		return fmt.Errorf("planning: final checklist update: %w", err)
	}
	return c.mgr.Complete(ctx)
}

// Fail finalizes the task as failed, mirroring taskhandler.Handler.Fail.
func (c *Coordinator) Fail(ctx context.Context, cause error) error {
	if _, err := c.task.AddComment(ctx, fmt.Sprintf("planning coordinator failed: %s", cause)); err != nil {
		return fmt.Errorf("planning: post failure comment: %w", err)
	}
	return c.mgr.Fail(ctx, cause.Error())
}

// planningPrompt asks for the initial plan against the actual work item.
func (c *Coordinator) planningPrompt() string {
	var b strings.Builder
	b.WriteString(c.opts.SystemPrompt)
	b.WriteString("\n\nProduce a plan for the task below as a single JSON object with the fields ")
	b.WriteString(`goal_understanding, subtasks, execution_order, and actions.`)
	if c.opts.TaskPrompt != "" {
		b.WriteString("\n\nTask:\n")
		b.WriteString(c.opts.TaskPrompt)
	}
	return b.String()
}

// reflectionPrompt asks for an evaluation of the most recently executed
// action.
func (c *Coordinator) reflectionPrompt() string {
	var b strings.Builder
	b.WriteString(c.opts.SystemPrompt)
	b.WriteString("\n\nEvaluate the action below as a single JSON object with the fields ")
	b.WriteString(`action_evaluated, status ("success"|"failure"|"partial"), evaluation, and plan_revision_needed.`)
	fmt.Fprintf(&b, "\n\nAction: tool %s for subtask %s (purpose: %s)\nOutcome: %s\n", c.lastAction.Tool, c.lastAction.TaskID, c.lastAction.Purpose, c.lastOutcome)
	return b.String()
}

// revisionPrompt asks for a revised plan, carrying the current plan and the
// reflection that demanded the revision.
func (c *Coordinator) revisionPrompt() string {
	var b strings.Builder
	b.WriteString(c.opts.SystemPrompt)
	b.WriteString("\n\nRevise the plan below as a single JSON object with the fields reason, changes, and revised_plan.")
	if raw, err := json.Marshal(c.current); err == nil {
		b.WriteString("\n\nCurrent plan:\n")
		b.Write(raw)
	}
	if c.lastReflection.Evaluation != "" {
		b.WriteString("\n\nReflection:\n")
		b.WriteString(c.lastReflection.Evaluation)
	}
	return b.String()
}

func completedIDs(plan Plan, through int) map[string]bool {
	done := make(map[string]bool, through)
	for i := 0; i < through && i < len(plan.Actions); i++ {
		done[plan.Actions[i].TaskID] = true
	}
	return done
}

// renderChecklist builds the markdown comment body ticking off completed
// subtasks.
func renderChecklist(plan Plan, completed map[string]bool) string {
	var b strings.Builder
	b.WriteString("### Plan\n\n")
	if plan.GoalUnderstanding.Objective != "" {
		b.WriteString(plan.GoalUnderstanding.Objective)
		b.WriteString("\n\n")
	}
	for _, st := range plan.Subtasks {
		mark := " "
		if completed[st.ID] {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, st.Description)
	}
	return b.String()
}
