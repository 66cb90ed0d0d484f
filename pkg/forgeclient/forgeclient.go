// Package forgeclient defines the ForgeClient boundary: a uniform
// view over issues/PRs/MRs across code-forge platforms. Implementations are
// opaque to the core — only the interface and the descriptor types it
// operates on live here.
package forgeclient

import (
	"context"
	"time"

	"github.com/coderelay/forgebot/pkg/taskkey"
)

// TaskRef identifies a forge work item returned by ListTasks, light enough
// to mint a taskkey.Key from without a second round-trip.
type TaskRef struct {
	Key   taskkey.Key
	Title string
}

// Comment is one comment on a forge work item, normalized across platforms.
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
	IsBot     bool
}

// TaskDetails is the full forge-side view of a work item.
type TaskDetails struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string
	Creator   string
	Comments  []Comment
}

// Client is the capability set the core requires from a forge.
// No transactional guarantees across calls are assumed; callers must treat
// each method as independently fallible.
type Client interface {
	// ListTasks returns work items matching query (e.g. a label filter).
	ListTasks(ctx context.Context, query string) ([]TaskRef, error)

	// GetTask fetches the current state of one work item.
	GetTask(ctx context.Context, key taskkey.Key) (TaskDetails, error)

	AddLabel(ctx context.Context, key taskkey.Key, label string) error
	RemoveLabel(ctx context.Context, key taskkey.Key, label string) error
	SetLabels(ctx context.Context, key taskkey.Key, labels []string) error

	ListComments(ctx context.Context, key taskkey.Key) ([]Comment, error)
	AddComment(ctx context.Context, key taskkey.Key, body string) (string, error)
	UpdateComment(ctx context.Context, key taskkey.Key, commentID, body string) error

	GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error)
}
