// Package taskkey implements stable encoding/decoding of a work-item
// reference across the queue boundary.
package taskkey

import (
	"encoding/json"
	"fmt"
)

// Platform identifies the code-forge a TaskKey belongs to.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Kind identifies the forge object type a TaskKey refers to.
type Kind string

const (
	KindIssue Kind = "issue"
	KindPR    Kind = "pr"
	KindMR    Kind = "mr"
)

// Key is a platform-tagged discriminated value uniquely identifying a forge
// work item. It round-trips through JSON unchanged, which is
// what lets it cross the queue boundary as a TaskDescriptor field.
type Key struct {
	Platform     Platform `json:"platform"`
	Kind         Kind     `json:"kind"`
	Owner        string   `json:"owner"`
	RepoOrProject string  `json:"repo_or_project"`
	Number       int      `json:"number"`
}

// New constructs a Key, validating the platform/kind combination.
func New(platform Platform, kind Kind, owner, repoOrProject string, number int) (Key, error) {
	k := Key{Platform: platform, Kind: kind, Owner: owner, RepoOrProject: repoOrProject, Number: number}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate reports whether the key's fields form a recognized combination.
func (k Key) Validate() error {
	switch k.Platform {
	case PlatformGitHub, PlatformGitLab:
	default:
		return fmt.Errorf("taskkey: invalid platform %q", k.Platform)
	}
	switch k.Kind {
	case KindIssue, KindPR, KindMR:
	default:
		return fmt.Errorf("taskkey: invalid kind %q", k.Kind)
	}
	if k.Platform == PlatformGitHub && k.Kind == KindMR {
		return fmt.Errorf("taskkey: github does not have kind %q", KindMR)
	}
	if k.Platform == PlatformGitLab && k.Kind == KindPR {
		return fmt.Errorf("taskkey: gitlab does not have kind %q", KindPR)
	}
	if k.Owner == "" || k.RepoOrProject == "" {
		return fmt.Errorf("taskkey: owner and repo_or_project are required")
	}
	if k.Number <= 0 {
		return fmt.Errorf("taskkey: number must be positive, got %d", k.Number)
	}
	return nil
}

// String renders a human-readable, stable identifier used in logs.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s#%d", k.Platform, k.Owner, k.RepoOrProject, k.Number)
}

// Encode marshals the key to its canonical JSON queue-payload form.
func (k Key) Encode() ([]byte, error) {
	return json.Marshal(k)
}

// Decode parses a Key from its canonical JSON form, validating it.
func Decode(data []byte) (Key, error) {
	var k Key
	if err := json.Unmarshal(data, &k); err != nil {
		return Key{}, fmt.Errorf("taskkey: decode: %w", err)
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// DirName returns the filesystem-safe component derived from the key,
// used when naming on-disk artifacts keyed by forge object rather than UUID.
func (k Key) DirName() string {
	return fmt.Sprintf("%s-%s-%s-%d", k.Platform, k.Owner, k.RepoOrProject, k.Number)
}
