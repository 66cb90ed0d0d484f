package taskkey

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Descriptor is the queue payload. The UUID is minted
// exactly once at first enqueue and persists across resumes; it is the sole
// source of identity on the consumer side.
type Descriptor struct {
	TaskKey           Key    `json:"task_key"`
	UUID              string `json:"uuid"`
	User              string `json:"user"`
	IsResumed         bool   `json:"is_resumed"`
	PausedContextPath string `json:"paused_context_path,omitempty"`
}

// NewDescriptor mints a fresh descriptor with a new UUID v4, for a task being
// enqueued for the first time.
func NewDescriptor(key Key, user string) Descriptor {
	return Descriptor{
		TaskKey: key,
		UUID:    uuid.NewString(),
		User:    user,
	}
}

// NewResumedDescriptor builds a descriptor for a task resumed from a paused
// context directory; the UUID is the one stamped at first enqueue.
func NewResumedDescriptor(key Key, uuidStr, user, pausedContextPath string) Descriptor {
	return Descriptor{
		TaskKey:           key,
		UUID:              uuidStr,
		User:              user,
		IsResumed:         true,
		PausedContextPath: pausedContextPath,
	}
}

// Encode marshals the descriptor to its canonical JSON queue-payload form.
func (d Descriptor) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDescriptor parses a Descriptor from its canonical JSON form.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("taskkey: decode descriptor: %w", err)
	}
	if err := d.TaskKey.Validate(); err != nil {
		return Descriptor{}, err
	}
	if d.UUID == "" {
		return Descriptor{}, fmt.Errorf("taskkey: descriptor missing uuid")
	}
	return d, nil
}
