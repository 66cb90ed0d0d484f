package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/forgebot/pkg/taskdb"
	"github.com/coderelay/forgebot/pkg/taskkey"
)

const (
	metadataFileName  = "metadata.json"
	taskStateFileName = "task_state.json"
	requestFileName   = "request.json"
)

// Manager is the TaskContextManager: it owns one task's context
// directory, its sub-stores, and the filesystem-rename transitions between
// running/, paused/, and completed/.
type Manager struct {
	baseDir string
	uuid    string
	root    Root
	db      *taskdb.DB

	Messages  *MessageStore
	Summaries *SummaryStore
	Tools     *ToolStore
	Planning  *PlanningLog
}

// dir returns the absolute path to the task's context directory under its
// current root. MessageStore/SummaryStore/ToolStore close over this method
// so a rename is immediately visible to every store without re-wiring.
func (m *Manager) dir() string {
	return filepath.Join(m.baseDir, string(m.root), m.uuid)
}

// Dir exposes the current context directory path (used by signal managers
// to read/write task_state.json directly, and by cmd/forgebot for logging).
func (m *Manager) Dir() string { return m.dir() }

// UUID returns the task's UUID.
func (m *Manager) UUID() string { return m.uuid }

// Init opens or creates a task's context directory.
//
// If resumeFromPaused is true, paused/<uuid> is renamed to running/<uuid> and
// the caller is expected to have already read task_state.json (via
// ReadTaskState on a Manager constructed with root=paused) before calling
// Init, since Init does not delete or return it — callers pass the
// previously-read state back through via Resume's caller only for logging;
// the rename itself is the authoritative transition.
func Init(ctx context.Context, db *taskdb.DB, baseDir string, key taskkey.Key, uuid string, user, provider, model string, contextLength int, resumeFromPaused bool) (*Manager, error) {
	m := &Manager{baseDir: baseDir, uuid: uuid, db: db, root: RootRunning}

	if resumeFromPaused {
		pausedDir := filepath.Join(baseDir, string(RootPaused), uuid)
		runningDir := filepath.Join(baseDir, string(RootRunning), uuid)
		if _, err := os.Stat(pausedDir); err != nil {
			return nil, fmt.Errorf("contextstore: resume %s: paused directory missing: %w", uuid, err)
		}
		if err := os.MkdirAll(filepath.Dir(runningDir), 0o755); err != nil {
			return nil, fmt.Errorf("contextstore: mkdir running root: %w", err)
		}
		if err := os.Rename(pausedDir, runningDir); err != nil {
			return nil, fmt.Errorf("contextstore: rename %s to running: %w", uuid, err)
		}
		// task_state.json is only valid under paused/; remove
		// it now that the directory lives under running/.
		_ = os.Remove(filepath.Join(runningDir, taskStateFileName))
	} else {
		if err := os.MkdirAll(m.dir(), 0o755); err != nil {
			return nil, fmt.Errorf("contextstore: mkdir %s: %w", m.dir(), err)
		}
		meta := Metadata{
			TaskKey:       key,
			UUID:          uuid,
			CreatedAt:     time.Now(),
			ProcessID:     os.Getpid(),
			Hostname:      hostname(),
			Provider:      provider,
			Model:         model,
			ContextLength: contextLength,
			Creator:       user,
		}
		if err := writeJSONFile(filepath.Join(m.dir(), metadataFileName), meta); err != nil {
			return nil, err
		}
	}

	if err := db.UpsertRunning(ctx, uuid, key, user, provider, model); err != nil {
		return nil, err
	}

	if err := m.openStores(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) openStores() error {
	messages, err := newMessageStore(m.dir)
	if err != nil {
		return err
	}
	summaries, err := newSummaryStore(m.dir)
	if err != nil {
		return err
	}
	m.Messages = messages
	m.Summaries = summaries
	m.Tools = newToolStore(m.dir)
	m.Planning = newPlanningLog(m.dir, m.uuid)
	return nil
}

// OpenPaused reconstructs a read-only view of a paused task's context
// directory, used by the producer to probe paused tasks before re-enqueuing
// them.
func OpenPaused(baseDir, uuid string) *Manager {
	return &Manager{baseDir: baseDir, uuid: uuid, root: RootPaused}
}

// OpenCompleted reconstructs a view of a completed task's context directory,
// used by pkg/cleanup to enforce retention.
func OpenCompleted(baseDir, uuid string) *Manager {
	return &Manager{baseDir: baseDir, uuid: uuid, root: RootCompleted}
}

// ReadTaskState reads task_state.json from the manager's current directory
// (only meaningful when root==RootPaused).
func (m *Manager) ReadTaskState() (TaskState, error) {
	var st TaskState
	data, err := os.ReadFile(filepath.Join(m.dir(), taskStateFileName))
	if err != nil {
		return st, fmt.Errorf("contextstore: read task_state.json for %s: %w", m.uuid, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("contextstore: parse task_state.json for %s: %w", m.uuid, err)
	}
	return st, nil
}

// Pause transitions running/<uuid> -> paused/<uuid>, writing task_state.json
// first. resumeCount is the prior resume_count
// read from a previous task_state.json, or 0 for a first-time pause.
func (m *Manager) Pause(ctx context.Context, key taskkey.Key, user string, resumeCount int, planning *PlanningState, comment *CommentState) error {
	if m.root != RootRunning {
		return fmt.Errorf("contextstore: pause %s: not running (root=%s)", m.uuid, m.root)
	}

	state := TaskState{
		TaskKey:     key,
		UUID:        m.uuid,
		User:        user,
		PausedAt:    time.Now(),
		Status:      "paused",
		ResumeCount: resumeCount,
		ContextPath: filepath.Join(m.baseDir, string(RootPaused), m.uuid),
		Planning:    planning,
		Comment:     comment,
	}
	if err := writeJSONFile(filepath.Join(m.dir(), taskStateFileName), state); err != nil {
		return err
	}

	pausedDir := filepath.Join(m.baseDir, string(RootPaused), m.uuid)
	if err := os.MkdirAll(filepath.Dir(pausedDir), 0o755); err != nil {
		return fmt.Errorf("contextstore: mkdir paused root: %w", err)
	}
	if err := os.Rename(m.dir(), pausedDir); err != nil {
		return fmt.Errorf("contextstore: rename %s to paused: %w", m.uuid, err)
	}
	m.root = RootPaused
	return nil
}

// Complete marks the task completed in tasks.db, then moves running/<uuid>
// to completed/<uuid>. The database update is ordered before the
// rename so a crash between the two leaves the directory as source of truth.
func (m *Manager) Complete(ctx context.Context) error {
	if err := m.db.Complete(ctx, m.uuid); err != nil {
		return err
	}
	return m.archive(ctx)
}

// Fail marks the task failed with errMessage in tasks.db, then archives the
// directory under completed/.
func (m *Manager) Fail(ctx context.Context, errMessage string) error {
	if err := m.db.Fail(ctx, m.uuid, errMessage); err != nil {
		return err
	}
	return m.archive(ctx)
}

func (m *Manager) archive(ctx context.Context) error {
	if m.root == RootCompleted {
		return nil
	}
	completedDir := filepath.Join(m.baseDir, string(RootCompleted), m.uuid)
	if err := os.MkdirAll(filepath.Dir(completedDir), 0o755); err != nil {
		return fmt.Errorf("contextstore: mkdir completed root: %w", err)
	}
	if err := os.Rename(m.dir(), completedDir); err != nil {
		return fmt.Errorf("contextstore: rename %s to completed: %w", m.uuid, err)
	}
	m.root = RootCompleted
	return nil
}

// Delete removes the context directory entirely, used when task_stop.cleanup_context
// is set.
func (m *Manager) Delete() error {
	return os.RemoveAll(m.dir())
}

// Stats returns the task's current tasks.db row, used by opsserver/cleanup
// to report counters without reaching into the database directly.
func (m *Manager) Stats(ctx context.Context) (taskdb.Row, error) {
	return m.db.Get(ctx, m.uuid)
}

// IncrementStat delegates to tasks.db.
func (m *Manager) IncrementStat(ctx context.Context, kind taskdb.StatKind) error {
	return m.db.IncrementStat(ctx, m.uuid, kind)
}

// AddTokens delegates to tasks.db.
func (m *Manager) AddTokens(ctx context.Context, n int) error {
	return m.db.AddTokens(ctx, m.uuid, n)
}

// WriteRequest writes the ephemeral request.json body about to be sent to
// the LLM.
func (m *Manager) WriteRequest(body []byte) error {
	return os.WriteFile(filepath.Join(m.dir(), requestFileName), body, 0o644)
}

// DeleteRequest removes request.json once the LLM response has been
// received.
func (m *Manager) DeleteRequest() error {
	err := os.Remove(filepath.Join(m.dir(), requestFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("contextstore: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("contextstore: write %s: %w", path, err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// NewUUID mints a fresh task UUID v4.
func NewUUID() string {
	return uuid.NewString()
}
