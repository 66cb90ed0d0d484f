// Package signals implements the cooperative-cancellation mesh:
// PauseResumeManager, TaskStopManager, and CommentDetectionManager. All
// three are polled by the task handler and the Planning coordinator at
// fixed checkpoints; none run on their own goroutine.
package signals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
)

// Signal is what a checkpoint call returns to the task handler's loop.
type Signal int

const (
	// SignalNone means no action is required; the loop continues.
	SignalNone Signal = iota
	// SignalPause means the handler must perform the pause transition and
	// exit the loop cleanly.
	SignalPause
	// SignalStop means the handler must perform the stop transition and
	// exit the loop; unlike pause this is terminal.
	SignalStop
)

// PauseResumeManager checks for a fleetwide pause-signal file.
type PauseResumeManager struct {
	cfg config.PauseResumeConfig
}

// NewPauseResumeManager constructs a PauseResumeManager from its config
// section.
func NewPauseResumeManager(cfg config.PauseResumeConfig) *PauseResumeManager {
	return &PauseResumeManager{cfg: cfg}
}

// signalFile resolves the pause-signal path: an absolute signal_file is
// used as-is, a relative one (or the default) lives under the contexts root.
func (p *PauseResumeManager) signalFile(contextsRoot string) string {
	name := p.cfg.SignalFile
	if name == "" {
		name = "pause_signal"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(contextsRoot, name)
}

// Check reports whether the pause-signal file is present. The file is never
// deleted here — it is a fleetwide command the operator clears.
func (p *PauseResumeManager) Check(contextsRoot string) bool {
	if !p.cfg.Enabled {
		return false
	}
	_, err := os.Stat(p.signalFile(contextsRoot))
	return err == nil
}

// TaskStopManager re-checks assignees against the configured bot username
// and signals a terminal stop when the bot has been unassigned.
type TaskStopManager struct {
	cfg         config.TaskStopConfig
	botUsername string

	lastChecked time.Time
}

// NewTaskStopManager constructs a TaskStopManager.
func NewTaskStopManager(cfg config.TaskStopConfig, botUsername string) *TaskStopManager {
	return &TaskStopManager{cfg: cfg, botUsername: botUsername}
}

func (m *TaskStopManager) minInterval() time.Duration {
	if m.cfg.MinCheckIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.cfg.MinCheckIntervalSeconds) * time.Second
}

// Check re-fetches assignees (rate-limited to MinCheckIntervalSeconds) and
// reports whether the bot has been unassigned.
func (m *TaskStopManager) Check(ctx context.Context, task *forgeclient.Task, now time.Time) (bool, error) {
	if !m.cfg.Enabled {
		return false, nil
	}
	if !m.lastChecked.IsZero() && now.Sub(m.lastChecked) < m.minInterval() {
		return false, nil
	}
	m.lastChecked = now

	assignees, err := m.fetchAssignees(ctx, task)
	if err != nil {
		return false, fmt.Errorf("signals: fetch assignees: %w", err)
	}
	for _, a := range assignees {
		if a == m.botUsername {
			return false, nil
		}
	}
	return true, nil
}

// fetchAssignees applies the task_stop.api_retry backoff policy to the
// forge call.
func (m *TaskStopManager) fetchAssignees(ctx context.Context, task *forgeclient.Task) ([]string, error) {
	retry := m.cfg.APIRetry
	delay := time.Duration(retry.InitialDelaySeconds * float64(time.Second))
	if delay <= 0 {
		delay = time.Second
	}
	base := retry.ExponentialBase
	if base < 1 {
		base = 2
	}
	maxDelay := time.Duration(retry.MaxDelaySeconds * float64(time.Second))

	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = time.Duration(float64(delay) * base)
			if maxDelay > 0 && delay > maxDelay {
				delay = maxDelay
			}
		}
		assignees, err := task.Assignees(ctx)
		if err == nil {
			return assignees, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Apply performs the terminal stop transition: remove the
// processing label, optionally set the stopped label, post a stop comment,
// and either delete the running context directory (cleanup_context) or
// archive it under completed/ as the task's final snapshot.
func (m *TaskStopManager) Apply(ctx context.Context, task *forgeclient.Task, mgr *contextstore.Manager) error {
	if err := task.MarkStopped(ctx, m.cfg.StoppedLabel != ""); err != nil {
		return fmt.Errorf("signals: mark stopped: %w", err)
	}
	if _, err := task.AddComment(ctx, "coding agent stopped: bot was unassigned from this task"); err != nil {
		return fmt.Errorf("signals: post stop comment: %w", err)
	}
	if mgr == nil {
		return nil
	}
	if m.cfg.CleanupContext {
		if err := mgr.Delete(); err != nil {
			return fmt.Errorf("signals: delete context directory: %w", err)
		}
		return nil
	}
	if err := mgr.Complete(ctx); err != nil {
		return fmt.Errorf("signals: archive stopped context: %w", err)
	}
	return nil
}

// CommentDetectionManager tracks known comment IDs and surfaces new,
// non-bot comments as synthetic user messages.
type CommentDetectionManager struct {
	cfg         config.CommentDetectionConfig
	botUsername string
	known       map[string]struct{}
}

// NewCommentDetectionManager constructs a CommentDetectionManager, optionally
// seeded from a resumed task's persisted CommentState.
func NewCommentDetectionManager(cfg config.CommentDetectionConfig, botUsername string, resumed *contextstore.CommentState) *CommentDetectionManager {
	known := make(map[string]struct{})
	if resumed != nil {
		for _, id := range resumed.LastFetchedCommentIDs {
			known[id] = struct{}{}
		}
	}
	return &CommentDetectionManager{cfg: cfg, botUsername: botUsername, known: known}
}

// State snapshots the manager's known-IDs set for persistence into
// task_state.json on pause.
func (c *CommentDetectionManager) State() contextstore.CommentState {
	ids := make([]string, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	return contextstore.CommentState{
		LastFetchedCommentIDs: ids,
		LastFetchTimestamp:    time.Now(),
	}
}

// Check fetches the current comment list, computes the set difference minus
// bot-authored comments, and appends any new ones to msgs as a synthetic
// user message. Returns the number of new comments injected.
func (c *CommentDetectionManager) Check(ctx context.Context, task *forgeclient.Task, msgs *contextstore.MessageStore) (int, error) {
	if !c.cfg.Enabled {
		return 0, nil
	}

	comments, err := task.ListComments(ctx)
	if err != nil {
		return 0, fmt.Errorf("signals: list comments: %w", err)
	}

	var fresh []forgeclient.Comment
	for _, cm := range comments {
		if cm.IsBot || cm.Author == c.botUsername {
			continue
		}
		if _, seen := c.known[cm.ID]; seen {
			continue
		}
		fresh = append(fresh, cm)
	}

	for _, cm := range comments {
		c.known[cm.ID] = struct{}{}
	}

	if len(fresh) == 0 {
		return 0, nil
	}

	if _, err := msgs.Append(contextstore.RoleUser, formatComments(fresh), ""); err != nil {
		return 0, fmt.Errorf("signals: append comment notification: %w", err)
	}
	return len(fresh), nil
}

func formatComments(comments []forgeclient.Comment) string {
	out := "New comments were posted on this task while work was in progress:\n\n"
	for _, c := range comments {
		out += fmt.Sprintf("--- comment by %s ---\n%s\n\n", c.Author, c.Body)
	}
	return out
}

// Precedence resolves which signal wins when multiple fire at the same
// checkpoint: pause and stop take precedence over comment detection,
// and a stop resolves over a pending pause.
func Precedence(pausePending, stopPending bool) Signal {
	if stopPending {
		return SignalStop
	}
	if pausePending {
		return SignalPause
	}
	return SignalNone
}
