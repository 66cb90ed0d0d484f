// Package contextstore implements per-task on-disk directories holding
// an append-only conversation log, a compressed-summary log, a tool-call
// log, and the paused-state snapshot.
//
// Every JSONL file is UTF-8, LF-terminated, one JSON object per line.
// All renames stay within baseDir so they remain atomic on POSIX filesystems.
package contextstore

import (
	"time"

	"github.com/coderelay/forgebot/pkg/taskkey"
)

// Root names the three directories a task's context lives under.
type Root string

const (
	RootRunning   Root = "running"
	RootPaused    Root = "paused"
	RootCompleted Root = "completed"
)

// Role is the speaker of one current.jsonl record.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSummary marks the seq=0 record written by a compression rewrite.
	RoleSummary Role = "summary"
)

// MessageRecord is one line of current.jsonl.
type MessageRecord struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata is the immutable metadata.json written at task creation.
type Metadata struct {
	TaskKey       taskkey.Key `json:"task_key"`
	UUID          string      `json:"uuid"`
	CreatedAt     time.Time   `json:"created_at"`
	ProcessID     int         `json:"process_id"`
	Hostname      string      `json:"hostname"`
	Provider      string      `json:"provider"`
	Model         string      `json:"model"`
	ContextLength int         `json:"context_length"`
	Creator       string      `json:"creator"`
}

// SummaryRecord is one line of summaries.jsonl, one per compression event.
type SummaryRecord struct {
	ID             int       `json:"id"`
	StartSeq       int       `json:"start_seq"`
	EndSeq         int       `json:"end_seq"`
	Summary        string    `json:"summary"`
	OriginalTokens int       `json:"original_tokens"`
	SummaryTokens  int       `json:"summary_tokens"`
	Ratio          float64   `json:"ratio"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToolCallStatus is the outcome of one tools.jsonl entry.
type ToolCallStatus string

const (
	ToolCallOK    ToolCallStatus = "ok"
	ToolCallError ToolCallStatus = "error"
)

// ToolRecord is one line of tools.jsonl, the tool-call audit log.
type ToolRecord struct {
	Seq        int            `json:"seq"`
	Tool       string         `json:"tool"`
	Args       string         `json:"args"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Status     ToolCallStatus `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PlanningEventType discriminates a planning/{uuid}.jsonl line.
type PlanningEventType string

const (
	PlanningEventPlan       PlanningEventType = "plan"
	PlanningEventRevision   PlanningEventType = "revision"
	PlanningEventReflection PlanningEventType = "reflection"
)

// PlanningEvent is one line of planning/{uuid}.jsonl.
type PlanningEvent struct {
	Type      PlanningEventType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload"`
}

// PlanningState is the Planning coordinator's persisted progress, embedded in
// task_state.json when a paused task was running the Planning strategy.
type PlanningState struct {
	CurrentPhase       string `json:"current_phase"`
	ActionCounter      int    `json:"action_counter"`
	RevisionCounter    int    `json:"revision_counter"`
	ChecklistCommentID string `json:"checklist_comment_id"`
}

// CommentState is CommentDetectionManager's persisted known-IDs set,
// embedded in task_state.json.
type CommentState struct {
	LastFetchedCommentIDs []string  `json:"last_fetched_comment_ids"`
	LastFetchTimestamp    time.Time `json:"last_fetch_timestamp"`
}

// TaskState is task_state.json, present only under paused/.
type TaskState struct {
	TaskKey     taskkey.Key    `json:"task_key"`
	UUID        string         `json:"uuid"`
	User        string         `json:"user"`
	PausedAt    time.Time      `json:"paused_at"`
	Status      string         `json:"status"`
	ResumeCount int            `json:"resume_count"`
	ContextPath string         `json:"context_path"`
	Planning    *PlanningState `json:"planning_state,omitempty"`
	Comment     *CommentState  `json:"comment_state,omitempty"`
}
