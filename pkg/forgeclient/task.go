package forgeclient

import (
	"context"
	"fmt"

	"github.com/coderelay/forgebot/pkg/masking"
	"github.com/coderelay/forgebot/pkg/taskkey"
)

// Task is the live object reconstructed by a consumer from a TaskDescriptor
// plus forge credentials. Constructed on dequeue, destroyed at
// handler exit.
type Task struct {
	Key    taskkey.Key
	client Client

	// Labels configured for this deployment, used by Prepare/transitions.
	TriggerLabel    string
	ProcessingLabel string
	DoneLabel       string
	PausedLabel     string
	StoppedLabel    string

	// masker redacts secrets from comment bodies before they're posted back
	// to the forge. Nil disables comment masking.
	masker *masking.MaskingService
}

// NewTask reconstructs a live ForgeTask from its identity and the forge's
// configured label vocabulary.
func NewTask(client Client, key taskkey.Key, triggerLabel, processingLabel, doneLabel, pausedLabel, stoppedLabel string) *Task {
	return &Task{
		Key:             key,
		client:          client,
		TriggerLabel:    triggerLabel,
		ProcessingLabel: processingLabel,
		DoneLabel:       doneLabel,
		PausedLabel:     pausedLabel,
		StoppedLabel:    stoppedLabel,
	}
}

// SetMaskingService installs the masking service applied to every comment
// body this task posts or edits. Called once by the consumer after
// reconstruction; nil (the zero value) leaves comments unmasked.
func (t *Task) SetMaskingService(m *masking.MaskingService) {
	t.masker = m
}

// Prepare atomically transitions the label from the trigger label to the
// processing label. Returns false without error if another
// actor already claimed the item (trigger label no longer present).
func (t *Task) Prepare(ctx context.Context) (bool, error) {
	details, err := t.client.GetTask(ctx, t.Key)
	if err != nil {
		return false, fmt.Errorf("forgeclient: get task %s: %w", t.Key, err)
	}
	if !hasLabel(details.Labels, t.TriggerLabel) {
		return false, nil
	}

	if err := t.client.RemoveLabel(ctx, t.Key, t.TriggerLabel); err != nil {
		return false, fmt.Errorf("forgeclient: remove trigger label: %w", err)
	}
	if err := t.client.AddLabel(ctx, t.Key, t.ProcessingLabel); err != nil {
		return false, fmt.Errorf("forgeclient: add processing label: %w", err)
	}
	return true, nil
}

// Creator returns the work item's creator login.
func (t *Task) Creator(ctx context.Context) (string, error) {
	details, err := t.client.GetTask(ctx, t.Key)
	if err != nil {
		return "", fmt.Errorf("forgeclient: get task %s: %w", t.Key, err)
	}
	return details.Creator, nil
}

// MarkDone transitions processing -> done.
func (t *Task) MarkDone(ctx context.Context) error {
	if err := t.client.RemoveLabel(ctx, t.Key, t.ProcessingLabel); err != nil {
		return err
	}
	return t.client.AddLabel(ctx, t.Key, t.DoneLabel)
}

// MarkPaused transitions processing -> paused.
func (t *Task) MarkPaused(ctx context.Context) error {
	if err := t.client.RemoveLabel(ctx, t.Key, t.ProcessingLabel); err != nil {
		return err
	}
	return t.client.AddLabel(ctx, t.Key, t.PausedLabel)
}

// MarkResumed transitions paused -> processing.
func (t *Task) MarkResumed(ctx context.Context) error {
	if err := t.client.RemoveLabel(ctx, t.Key, t.PausedLabel); err != nil {
		return err
	}
	return t.client.AddLabel(ctx, t.Key, t.ProcessingLabel)
}

// MarkStopped removes the processing label and, if configured, sets a
// stopped label.
func (t *Task) MarkStopped(ctx context.Context, setStoppedLabel bool) error {
	if err := t.client.RemoveLabel(ctx, t.Key, t.ProcessingLabel); err != nil {
		return err
	}
	if setStoppedLabel && t.StoppedLabel != "" {
		return t.client.AddLabel(ctx, t.Key, t.StoppedLabel)
	}
	return nil
}

// AddComment posts body as a new comment, masking it first if a masking
// service was installed via SetMaskingService.
func (t *Task) AddComment(ctx context.Context, body string) (string, error) {
	return t.client.AddComment(ctx, t.Key, t.maskComment(body))
}

func (t *Task) ListComments(ctx context.Context) ([]Comment, error) {
	return t.client.ListComments(ctx, t.Key)
}

// UpdateComment edits a previously-posted comment in place, used by the
// Planning coordinator to tick off checklist items. body is masked
// the same way AddComment masks a new comment.
func (t *Task) UpdateComment(ctx context.Context, commentID, body string) error {
	return t.client.UpdateComment(ctx, t.Key, commentID, t.maskComment(body))
}

func (t *Task) maskComment(body string) string {
	if t.masker == nil {
		return body
	}
	return t.masker.MaskForgeComment(body)
}

func (t *Task) Assignees(ctx context.Context) ([]string, error) {
	return t.client.GetAssignees(ctx, t.Key)
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}
