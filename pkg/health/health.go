// Package health implements the liveness files
// healthcheck/{producer,consumer}.health, touched once per outer-loop
// iteration so external orchestration can detect a stalled process by mtime.
package health

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind names which driver a liveness file belongs to.
type Kind string

const (
	Producer Kind = "producer"
	Consumer Kind = "consumer"
)

// File touches a healthcheck/<kind>.health file, creating it on first use
// and updating its mtime thereafter.
type File struct {
	path string
}

// New constructs a liveness File under <healthDir>/healthcheck/<kind>.health.
func New(healthDir string, kind Kind) *File {
	return &File{path: filepath.Join(healthDir, "healthcheck", fmt.Sprintf("%s.health", kind))}
}

// Touch creates or updates the liveness file's mtime to now.
func (f *File) Touch() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("health: mkdir %s: %w", filepath.Dir(f.path), err)
	}
	now := time.Now()
	if err := os.WriteFile(f.path, []byte(now.Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("health: write %s: %w", f.path, err)
	}
	return os.Chtimes(f.path, now, now)
}

// Age reports how long ago the liveness file was last touched, used by
// pkg/opsserver to decide whether a driver has stalled.
func (f *File) Age() (time.Duration, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("health: stat %s: %w", f.path, err)
	}
	return time.Since(info.ModTime()), nil
}
