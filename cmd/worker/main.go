// The loyalty worker is the scheduler's long-running process. It is spawned
// and stopped by the supervisor through the shared state file, runs the
// enabled tasks on their cron schedules, and appends its log to the worker
// log file the supervisor serves.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kkkkikiki/loyalty/internal/config"
	"github.com/kkkkikiki/loyalty/internal/database"
	"github.com/kkkkikiki/loyalty/internal/engine"
	"github.com/kkkkikiki/loyalty/internal/points"
	"github.com/kkkkikiki/loyalty/internal/repository"
	"github.com/kkkkikiki/loyalty/internal/scheduler"
	"github.com/kkkkikiki/loyalty/internal/tasks"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logClose, err := newWorkerLogger(cfg.Scheduler.LogFile)
	if err != nil {
		log.Fatalf("Failed to open worker log: %v", err)
	}
	defer logClose()
	defer logger.Sync()

	logger.Info("worker starting", zap.Int("pid", os.Getpid()))

	db, err := database.NewDB(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ledger := points.NewLedger(repository.NewPointsRepository(db.Postgres), logger, cfg.Loyalty.DefaultLevel)
	ruleEngine := engine.NewRuleEngine(db.Postgres, cfg.Loyalty.OfferValidityDays, logger)
	lifecycle := engine.NewOfferLifecycleManager(db.Postgres, ledger, logger)
	registry := tasks.NewRegistry(ruleEngine, lifecycle, cfg.Loyalty.SendChannel)

	stateFile := scheduler.NewStateFile(cfg.Scheduler.StateFile)
	state, err := stateFile.Load()
	if err != nil {
		logger.Fatal("failed to load scheduler state", zap.Error(err))
	}

	runner := &taskRunner{
		registry: registry,
		state:    stateFile,
		timeout:  time.Duration(cfg.Scheduler.TaskTimeout) * time.Second,
		logger:   logger,
	}

	c := cron.New()
	scheduled := 0
	for _, task := range state.Tasks {
		if !task.Enabled {
			continue
		}
		spec, err := scheduler.CronSpec(task.ScheduleType, task.TimeOfDay)
		if err != nil {
			logger.Error("skipping task with invalid schedule",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}

		task := task
		if _, err := c.AddFunc(spec, func() { runner.run(ctx, task) }); err != nil {
			logger.Error("failed to schedule task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		scheduled++
		logger.Info("task scheduled",
			zap.String("task_id", task.ID),
			zap.String("cron", spec))
	}

	c.Start()
	logger.Info("worker ready", zap.Int("tasks_scheduled", scheduled))

	// Each enabled task also runs once at startup, so a worker started after
	// downtime catches up without waiting for the next schedule slot.
	go func() {
		for _, task := range state.Tasks {
			if !task.Enabled {
				continue
			}
			runner.run(ctx, task)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
	cancel()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("worker exited")
}

// taskRunner executes one task under the configured timeout and records the
// outcome in the shared state file.
type taskRunner struct {
	registry *scheduler.Registry
	state    *scheduler.StateFile
	timeout  time.Duration
	logger   *zap.Logger
}

func (r *taskRunner) run(ctx context.Context, task scheduler.Task) {
	fn, ok := r.registry.Get(task.Func)
	if !ok {
		r.logger.Error("task func not registered", zap.String("task_id", task.ID))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	detail, err := fn(runCtx)
	if err != nil {
		r.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	} else {
		r.logger.Info("task finished",
			zap.String("task_id", task.ID),
			zap.String("detail", detail),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	}

	_, updateErr := r.state.Update(func(state *scheduler.State) error {
		t := state.TaskByID(task.ID)
		if t == nil {
			return nil
		}
		now := time.Now()
		t.LastRun = &now
		if err != nil {
			t.LastStatus = "failure"
			t.LastError = err.Error()
		} else {
			t.LastStatus = "success"
			t.LastError = ""
		}
		return nil
	})
	if updateErr != nil {
		r.logger.Error("failed to record task outcome",
			zap.String("task_id", task.ID),
			zap.Error(updateErr))
	}
}

// newWorkerLogger builds a logger appending tab-separated console lines to
// the worker log file, the format the supervisor's log endpoint parses.
func newWorkerLogger(path string) (*zap.Logger, func(), error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(file),
		zap.InfoLevel,
	)

	return zap.New(core), func() { file.Close() }, nil
}
