package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/config"
)

func testSupervisor(t *testing.T, registry *Registry) (*Supervisor, config.SchedulerConfig) {
	t.Helper()
	dir := t.TempDir()

	// A stand-in worker that stays alive until signalled
	workerBin := filepath.Join(dir, "loyalty-worker")
	script := "#!/bin/sh\nsleep 30\n"
	if err := os.WriteFile(workerBin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.SchedulerConfig{
		StateFile:   filepath.Join(dir, "scheduler.json"),
		LogFile:     filepath.Join(dir, "worker.log"),
		WorkerBin:   workerBin,
		StopGrace:   2,
		StartupWait: 1,
		TaskTimeout: 5,
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return NewSupervisor(cfg, registry, zap.NewNop()), cfg
}

func TestStopWhenNotRunning(t *testing.T) {
	sup, _ := testSupervisor(t, nil)

	report, err := sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop without a worker: %v", err)
	}
	if report.Running {
		t.Error("report should not be running")
	}
}

func TestStatusLeavesMissingStateFileAlone(t *testing.T) {
	sup, cfg := testSupervisor(t, nil)

	report, err := sup.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Running {
		t.Error("fresh status should not be running")
	}
	if len(report.Tasks) == 0 {
		t.Error("fresh status should report the default task table")
	}

	if _, err := os.Stat(cfg.StateFile); !os.IsNotExist(err) {
		t.Errorf("status probe created the state file: %v", err)
	}
}

func TestStatusSelfHealsStalePID(t *testing.T) {
	sup, cfg := testSupervisor(t, nil)

	// Simulate a crashed worker: running status with a dead pid
	_, err := NewStateFile(cfg.StateFile).Update(func(state *State) error {
		state.Status.Running = true
		state.Status.PID = 4194300
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := sup.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Running {
		t.Error("status should heal to not running")
	}
	if report.PID != 0 {
		t.Errorf("stale pid should be cleared, got %d", report.PID)
	}

	// The healed status is persisted
	state, err := NewStateFile(cfg.StateFile).Load()
	if err != nil {
		t.Fatal(err)
	}
	if state.Status.Running || state.Status.PID != 0 {
		t.Errorf("healed status not persisted: %+v", state.Status)
	}
}

func TestStartStopRoundtrip(t *testing.T) {
	sup, _ := testSupervisor(t, nil)
	ctx := context.Background()

	report, err := sup.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !report.Running || report.PID == 0 {
		t.Fatalf("worker should be running, got %+v", report)
	}

	if _, err := sup.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
		_, _ = sup.Stop(ctx)
	}

	report, err = sup.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if report.Running || report.PID != 0 {
		t.Errorf("worker should be stopped, got %+v", report)
	}
}

// writeFailStore runs updates against a real state file but reports every
// write as failed, keeping the state the callback produced for inspection.
type writeFailStore struct {
	inner *StateFile
	last  *State
}

func (f *writeFailStore) Load() (*State, error) { return f.inner.Load() }

func (f *writeFailStore) Update(fn func(*State) error) (*State, error) {
	state, err := f.inner.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	f.last = state
	return nil, errors.New("failed to replace state file")
}

func TestStartKillsWorkerWhenStateWriteFails(t *testing.T) {
	sup, cfg := testSupervisor(t, nil)
	store := &writeFailStore{inner: NewStateFile(cfg.StateFile)}
	sup.state = store

	if _, err := sup.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the state cannot be written")
	}

	if store.last == nil || store.last.Status.PID == 0 {
		t.Fatal("worker was never spawned")
	}
	pid := store.last.Status.PID

	// The spawned worker must not outlive the failed start
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && syscall.Kill(pid, 0) == nil {
		time.Sleep(50 * time.Millisecond)
	}
	if syscall.Kill(pid, 0) == nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		t.Errorf("worker pid %d still alive after failed start", pid)
	}
}

func TestRunTask(t *testing.T) {
	registry := NewRegistry()
	registry.Register("evaluate_rules", func(ctx context.Context) (string, error) {
		return "2 rules evaluated", nil
	})
	registry.Register("check_expired_offers", func(ctx context.Context) (string, error) {
		return "", errors.New("database down")
	})
	sup, cfg := testSupervisor(t, registry)
	ctx := context.Background()

	result, err := sup.RunTask(ctx, "evaluate_rules")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != "success" || result.Detail != "2 rules evaluated" {
		t.Errorf("result = %+v", result)
	}

	failed, err := sup.RunTask(ctx, "check_expired_offers")
	if err != nil {
		t.Fatalf("RunTask failing task: %v", err)
	}
	if failed.Status != "failure" || failed.Detail != "database down" {
		t.Errorf("failed result = %+v", failed)
	}

	if _, err := sup.RunTask(ctx, "no_such_task"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("unknown task error = %v, want ErrTaskNotFound", err)
	}

	// Outcomes are recorded in the state document
	state, err := NewStateFile(cfg.StateFile).Load()
	if err != nil {
		t.Fatal(err)
	}
	ok := state.TaskByID("evaluate_rules")
	if ok.LastRun == nil || ok.LastStatus != "success" || ok.LastError != "" {
		t.Errorf("success outcome not recorded: %+v", ok)
	}
	bad := state.TaskByID("check_expired_offers")
	if bad.LastStatus != "failure" || bad.LastError != "database down" {
		t.Errorf("failure outcome not recorded: %+v", bad)
	}
}

func TestRunTaskHonorsTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register("evaluate_rules", func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Second):
			return "never", nil
		}
	})
	sup, _ := testSupervisor(t, registry)
	sup.cfg.TaskTimeout = 0 // expire immediately

	result, err := sup.RunTask(context.Background(), "evaluate_rules")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != "failure" {
		t.Errorf("status = %q, want failure on timeout", result.Status)
	}
}
