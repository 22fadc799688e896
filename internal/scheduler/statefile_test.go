package scheduler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempStateFile(t *testing.T) *StateFile {
	t.Helper()
	return NewStateFile(filepath.Join(t.TempDir(), "scheduler.json"))
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	sf := tempStateFile(t)

	state, err := sf.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Tasks) != 3 {
		t.Fatalf("default tasks = %d, want 3", len(state.Tasks))
	}
	for _, id := range []string{"evaluate_rules", "check_expired_offers", "send_pending_offers"} {
		if state.TaskByID(id) == nil {
			t.Errorf("default tasks missing %q", id)
		}
	}
	if state.Status.Running {
		t.Error("default state should not be running")
	}

	// Load must not create the file
	if _, err := os.Stat(sf.Path()); !os.IsNotExist(err) {
		t.Error("Load should not create the state file")
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	sf := tempStateFile(t)

	_, err := sf.Update(func(state *State) error {
		state.Status.Running = true
		state.Status.PID = 4242
		task := state.TaskByID("evaluate_rules")
		task.Enabled = false
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := NewStateFile(sf.Path()).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Status.Running || reloaded.Status.PID != 4242 {
		t.Errorf("status not persisted: %+v", reloaded.Status)
	}
	if reloaded.TaskByID("evaluate_rules").Enabled {
		t.Error("task change not persisted")
	}
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	sf := tempStateFile(t)

	boom := errors.New("boom")
	_, err := sf.Update(func(state *State) error {
		state.Status.Running = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	if _, err := os.Stat(sf.Path()); !os.IsNotExist(err) {
		t.Error("failed update must not write the state file")
	}
}

func TestTaskByIDUnknown(t *testing.T) {
	state := &State{Tasks: DefaultTasks()}
	if state.TaskByID("nope") != nil {
		t.Error("TaskByID for unknown id should be nil")
	}
}
