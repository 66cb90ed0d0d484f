// Package cleanup implements the retention sweep: completed/
// and paused/ context directories, and their tasks.db rows, are removed once
// they age past the configured retention window.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/taskdb"
)

// Service periodically enforces retention policy:
//   - Removes completed/<uuid> directories older than CompletedRetentionDays.
//   - Removes paused/<uuid> directories older than pause_resume.paused_task_expiry_days.
//   - Deletes their corresponding tasks.db rows.
//
// All operations are idempotent and safe to run from multiple processes —
// a directory or row already removed by another process is simply skipped.
type Service struct {
	cfg          *config.RetentionConfig
	pausedExpiry time.Duration
	baseDir      string
	db           *taskdb.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a retention Service over the context-storage base
// directory and its tasks.db. pausedTaskExpiryDays is
// pause_resume.paused_task_expiry_days; pass 0 to leave paused/ untouched.
func NewService(cfg *config.RetentionConfig, baseDir string, db *taskdb.DB, pausedTaskExpiryDays int) *Service {
	expiry := time.Duration(0)
	if pausedTaskExpiryDays > 0 {
		expiry = time.Duration(pausedTaskExpiryDays) * 24 * time.Hour
	}
	return &Service{cfg: cfg, pausedExpiry: expiry, baseDir: baseDir, db: db}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"completed_retention_days", s.cfg.CompletedRetentionDays,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// RunOnce runs one retention pass; exported so cmd/forgebot can invoke it
// from a one-shot `cleanup` subcommand without starting the ticker loop.
func (s *Service) RunOnce(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Service) runOnce(ctx context.Context) {
	s.sweepCompleted(ctx)
	s.sweepPaused()
}

func (s *Service) sweepCompleted(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.CompletedRetentionDays) * 24 * time.Hour)

	uuids, err := contextstore.ListUUIDs(s.baseDir, contextstore.RootCompleted)
	if err != nil {
		slog.Error("cleanup: list completed directories failed", "error", err)
		return
	}

	removed := 0
	for _, uuid := range uuids {
		info, err := contextstore.DirModTime(s.baseDir, contextstore.RootCompleted, uuid)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.baseDir, string(contextstore.RootCompleted), uuid)
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("cleanup: remove completed directory failed", "uuid", uuid, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleanup: removed expired completed directories", "count", removed)
	}

	rows, err := s.db.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("cleanup: delete expired tasks.db rows failed", "error", err)
		return
	}
	if rows > 0 {
		slog.Info("cleanup: deleted expired tasks.db rows", "count", rows)
	}
}

func (s *Service) sweepPaused() {
	if s.pausedExpiry <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.pausedExpiry)

	uuids, err := contextstore.ListUUIDs(s.baseDir, contextstore.RootPaused)
	if err != nil {
		slog.Error("cleanup: list paused directories failed", "error", err)
		return
	}

	removed := 0
	for _, uuid := range uuids {
		info, err := contextstore.DirModTime(s.baseDir, contextstore.RootPaused, uuid)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.baseDir, string(contextstore.RootPaused), uuid)
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("cleanup: remove expired paused directory failed", "uuid", uuid, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleanup: removed expired paused directories", "count", removed)
	}
}
