package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/config"
)

var (
	// ErrAlreadyRunning is returned by Start when a live worker process
	// already owns the state file.
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrTaskNotFound is returned for an unknown task id or an unregistered
	// task func.
	ErrTaskNotFound = errors.New("task not found")
)

// RunResult is the outcome of a manual task run
type RunResult struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"` // success or failure
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// StatusReport is the supervisor's view of the worker and its task table
type StatusReport struct {
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Tasks     []Task     `json:"tasks"`
}

// stateStore is the state document access the supervisor needs.
type stateStore interface {
	Load() (*State, error)
	Update(fn func(*State) error) (*State, error)
}

// Supervisor manages the worker process through the state file: it spawns and
// stops the worker, reports its status, and runs tasks on demand in-process.
// Liveness is decided from the recorded pid, verified against the process
// table so a recycled pid is not mistaken for our worker.
type Supervisor struct {
	cfg      config.SchedulerConfig
	state    stateStore
	registry *Registry
	logger   *zap.Logger
}

// NewSupervisor creates a supervisor over the configured state file
func NewSupervisor(cfg config.SchedulerConfig, registry *Registry, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		state:    NewStateFile(cfg.StateFile),
		registry: registry,
		logger:   logger,
	}
}

// workerAlive reports whether pid is a live process running our worker
// binary. Signal 0 probes existence; the cmdline check guards against pid
// reuse by an unrelated process.
func (s *Supervisor) workerAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}

	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		// Process exists but cmdline is unreadable; assume it is ours
		// rather than risk starting a second worker.
		return true
	}

	// Scan the whole command line so interpreter-wrapped workers match too
	command := string(bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '}))
	return strings.Contains(command, filepath.Base(s.cfg.WorkerBin))
}

// Start spawns the worker process. Fails with ErrAlreadyRunning when a live
// worker is already recorded, and with a startup error when the spawned
// process dies within the startup window.
func (s *Supervisor) Start(ctx context.Context) (*StatusReport, error) {
	var pid int
	_, err := s.state.Update(func(state *State) error {
		if s.workerAlive(state.Status.PID) {
			return ErrAlreadyRunning
		}

		p, err := s.spawnWorker()
		if err != nil {
			return err
		}
		pid = p

		now := time.Now()
		state.Status = Status{
			Running:   true,
			PID:       pid,
			StartedAt: &now,
		}
		return nil
	})
	if err != nil {
		if pid != 0 {
			// The worker was spawned but its pid never reached the state
			// file. Kill it rather than leave an untracked process behind.
			_ = syscall.Kill(pid, syscall.SIGKILL)
			s.logger.Error("killed worker after state write failure",
				zap.Int("pid", pid),
				zap.Error(err))
		}
		return nil, err
	}

	// Confirm the worker survived its startup window
	time.Sleep(time.Duration(s.cfg.StartupWait) * time.Second)
	if !s.workerAlive(pid) {
		_, _ = s.state.Update(func(state *State) error {
			now := time.Now()
			state.Status.Running = false
			state.Status.PID = 0
			state.Status.StoppedAt = &now
			return nil
		})
		return nil, fmt.Errorf("worker exited during startup, see %s", s.cfg.LogFile)
	}

	s.logger.Info("scheduler worker started", zap.Int("pid", pid))
	return s.Status(ctx)
}

// spawnWorker launches the worker binary detached from the supervisor, with
// its output appended to the worker log file.
func (s *Supervisor) spawnWorker() (int, error) {
	logFile, err := os.OpenFile(s.cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open worker log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.cfg.WorkerBin)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}

	// Reap the child when it exits so it cannot linger as a zombie
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}

// Stop terminates the worker: SIGTERM, a grace period, then SIGKILL. Stopping
// an already-dead worker is a success; the stale pid is cleared either way.
func (s *Supervisor) Stop(ctx context.Context) (*StatusReport, error) {
	state, err := s.state.Load()
	if err != nil {
		return nil, err
	}

	pid := state.Status.PID
	if s.workerAlive(pid) {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return nil, fmt.Errorf("failed to signal worker: %w", err)
		}

		deadline := time.Now().Add(time.Duration(s.cfg.StopGrace) * time.Second)
		for time.Now().Before(deadline) && s.workerAlive(pid) {
			time.Sleep(100 * time.Millisecond)
		}

		if s.workerAlive(pid) {
			s.logger.Warn("worker ignored SIGTERM, killing", zap.Int("pid", pid))
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return nil, fmt.Errorf("failed to kill worker: %w", err)
			}
		}
		s.logger.Info("scheduler worker stopped", zap.Int("pid", pid))
	}

	_, err = s.state.Update(func(state *State) error {
		now := time.Now()
		state.Status.Running = false
		state.Status.PID = 0
		state.Status.StoppedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Status(ctx)
}

// Restart stops the worker if it runs and starts a fresh one
func (s *Supervisor) Restart(ctx context.Context) (*StatusReport, error) {
	if _, err := s.Stop(ctx); err != nil {
		return nil, err
	}
	return s.Start(ctx)
}

// Status reports the worker and task state. A recorded pid that no longer
// belongs to a live worker is healed to stopped before reporting. The healed
// status is written back only when something actually changed, so a plain
// status probe never creates or rewrites the state file.
func (s *Supervisor) Status(ctx context.Context) (*StatusReport, error) {
	state, err := s.state.Load()
	if err != nil {
		return nil, err
	}

	if state.Status.Running && !s.workerAlive(state.Status.PID) {
		state, err = s.state.Update(func(state *State) error {
			if state.Status.Running && !s.workerAlive(state.Status.PID) {
				now := time.Now()
				state.Status.Running = false
				state.Status.PID = 0
				state.Status.StoppedAt = &now
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return &StatusReport{
		Running:   state.Status.Running,
		PID:       state.Status.PID,
		StartedAt: state.Status.StartedAt,
		StoppedAt: state.Status.StoppedAt,
		Tasks:     state.Tasks,
	}, nil
}

// RunTask executes one task synchronously in the calling process, outside the
// worker's schedule. The run is bounded by the configured task timeout and
// its outcome is recorded in the state document.
func (s *Supervisor) RunTask(ctx context.Context, taskID string) (*RunResult, error) {
	state, err := s.state.Load()
	if err != nil {
		return nil, err
	}

	task := state.TaskByID(taskID)
	if task == nil {
		return nil, ErrTaskNotFound
	}
	fn, ok := s.registry.Get(task.Func)
	if !ok {
		return nil, ErrTaskNotFound
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TaskTimeout)*time.Second)
	defer cancel()

	start := time.Now()
	detail, runErr := fn(runCtx)
	result := &RunResult{
		TaskID:     taskID,
		Status:     "success",
		Detail:     detail,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		result.Status = "failure"
		result.Detail = runErr.Error()
	}

	_, err = s.state.Update(func(state *State) error {
		task := state.TaskByID(taskID)
		if task == nil {
			return nil
		}
		now := time.Now()
		task.LastRun = &now
		task.LastStatus = result.Status
		if runErr != nil {
			task.LastError = runErr.Error()
		} else {
			task.LastError = ""
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record task run", zap.String("task_id", taskID), zap.Error(err))
	}

	if runErr != nil {
		s.logger.Error("manual task run failed",
			zap.String("task_id", taskID),
			zap.Error(runErr))
	} else {
		s.logger.Info("manual task run finished",
			zap.String("task_id", taskID),
			zap.String("detail", detail),
			zap.Int64("duration_ms", result.DurationMS))
	}

	return result, nil
}

// Logs returns the last limit entries of the worker log
func (s *Supervisor) Logs(limit int) ([]LogEntry, error) {
	return Tail(s.cfg.LogFile, limit)
}
