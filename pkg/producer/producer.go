// Package producer implements the Producer driver: converts
// forge state into queue entries, resuming paused tasks and claiming fresh
// trigger-labeled work items.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/forgeclient"
	"github.com/coderelay/forgebot/pkg/health"
	"github.com/coderelay/forgebot/pkg/lock"
	"github.com/coderelay/forgebot/pkg/queue"
	"github.com/coderelay/forgebot/pkg/signals"
	"github.com/coderelay/forgebot/pkg/taskkey"
)

// ErrLockHeld is returned by RunOnce when another producer already holds
// the exclusion lock.
var ErrLockHeld = lock.ErrHeld

// Producer drives run_once/run_continuous against one forge and queue.
type Producer struct {
	lock    *lock.FileLock
	forge   forgeclient.Client
	q       queue.Queue
	baseDir string

	triggerLabel, processingLabel, doneLabel, pausedLabel, stoppedLabel string

	pause  *signals.PauseResumeManager
	health *health.File
}

// Options bundles the label vocabulary needed to reconstruct ForgeTasks.
type Options struct {
	TriggerLabel    string
	ProcessingLabel string
	DoneLabel       string
	PausedLabel     string
	StoppedLabel    string
}

// New constructs a Producer. lockPath is the file backing the
// single-producer exclusion lock.
func New(lockPath string, forge forgeclient.Client, q queue.Queue, baseDir string, opts Options, pause *signals.PauseResumeManager, healthDir string) *Producer {
	return &Producer{
		lock:            lock.New(lockPath),
		forge:           forge,
		q:               q,
		baseDir:         baseDir,
		triggerLabel:    opts.TriggerLabel,
		processingLabel: opts.ProcessingLabel,
		doneLabel:       opts.DoneLabel,
		pausedLabel:     opts.PausedLabel,
		stoppedLabel:    opts.StoppedLabel,
		pause:           pause,
		health:          health.New(healthDir, health.Producer),
	}
}

// RunOnce performs one producer pass: acquire the lock,
// enqueue resumed paused tasks, claim and enqueue fresh trigger-labeled
// items, release the lock.
func (p *Producer) RunOnce(ctx context.Context) error {
	release, err := p.lock.TryAcquire()
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			slog.Info("producer: lock held by another process, exiting")
			return nil
		}
		return fmt.Errorf("producer: acquire lock: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			slog.Error("producer: release lock failed", "error", err)
		}
	}()

	if err := p.enqueueResumed(ctx); err != nil {
		return err
	}
	return p.enqueueFresh(ctx)
}

// enqueueResumed enumerates paused/ directories and re-enqueues each task
// whose forge object still exists.
func (p *Producer) enqueueResumed(ctx context.Context) error {
	uuids, err := contextstore.ListUUIDs(p.baseDir, contextstore.RootPaused)
	if err != nil {
		return fmt.Errorf("producer: list paused directories: %w", err)
	}

	for _, uuid := range uuids {
		mgr := contextstore.OpenPaused(p.baseDir, uuid)
		state, err := mgr.ReadTaskState()
		if err != nil {
			slog.Error("producer: read paused task_state.json failed, skipping", "uuid", uuid, "error", err)
			continue
		}

		if _, err := p.forge.GetTask(ctx, state.TaskKey); err != nil {
			slog.Warn("producer: paused task's forge object no longer reachable, skipping", "uuid", uuid, "task_key", state.TaskKey.String(), "error", err)
			continue
		}

		desc := taskkey.NewResumedDescriptor(state.TaskKey, uuid, state.User, state.ContextPath)
		if err := p.q.Enqueue(ctx, desc); err != nil {
			return fmt.Errorf("producer: enqueue resumed task %s: %w", uuid, err)
		}
	}
	return nil
}

// enqueueFresh queries the forge for trigger-labeled work items and enqueues
// one fresh descriptor per claimed item.
func (p *Producer) enqueueFresh(ctx context.Context) error {
	refs, err := p.forge.ListTasks(ctx, p.triggerLabel)
	if err != nil {
		return fmt.Errorf("producer: list tasks: %w", err)
	}

	for _, ref := range refs {
		task := forgeclient.NewTask(p.forge, ref.Key, p.triggerLabel, p.processingLabel, p.doneLabel, p.pausedLabel, p.stoppedLabel)
		claimed, err := task.Prepare(ctx)
		if err != nil {
			slog.Error("producer: prepare task failed, skipping", "task_key", ref.Key.String(), "error", err)
			continue
		}
		if !claimed {
			slog.Info("producer: trigger label already claimed by another actor, skipping", "task_key", ref.Key.String())
			continue
		}

		creator, err := task.Creator(ctx)
		if err != nil {
			slog.Error("producer: fetch creator failed, skipping", "task_key", ref.Key.String(), "error", err)
			continue
		}

		desc := taskkey.NewDescriptor(ref.Key, creator)
		if err := p.q.Enqueue(ctx, desc); err != nil {
			return fmt.Errorf("producer: enqueue fresh task %s: %w", ref.Key.String(), err)
		}
	}
	return nil
}

// RunContinuous loops RunOnce, sleeping interval between runs while
// sampling the pause signal once per second, touching the liveness file
// every iteration, and exiting cleanly when pause is observed.
func (p *Producer) RunContinuous(ctx context.Context, interval time.Duration, delayFirstRun bool) error {
	if delayFirstRun {
		if p.sleepSamplingPause(ctx, interval) {
			return nil
		}
	}

	for {
		if err := p.health.Touch(); err != nil {
			slog.Warn("producer: health touch failed", "error", err)
		}
		if p.pausePending() {
			slog.Info("producer: pause signal observed, exiting continuous loop")
			return nil
		}

		if err := p.RunOnce(ctx); err != nil {
			slog.Error("producer: run_once failed", "error", err)
		}

		if p.sleepSamplingPause(ctx, interval) {
			return nil
		}
	}
}

// sleepSamplingPause sleeps for d, checking the pause signal once per
// second, and reports whether pause was observed.
func (p *Producer) sleepSamplingPause(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if p.pausePending() {
				return true
			}
		}
	}
	return false
}

func (p *Producer) pausePending() bool {
	if p.pause == nil {
		return false
	}
	return p.pause.Check(p.baseDir)
}
