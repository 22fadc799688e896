package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Task is one scheduled job in the state document. Func names an entry in the
// task registry; ScheduleType and TimeOfDay describe when the worker runs it.
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Func         string     `json:"func"`
	ScheduleType string     `json:"schedule_type"` // daily, weekly or monthly
	TimeOfDay    string     `json:"time_of_day"`   // HH:MM, worker-local time
	Enabled      bool       `json:"enabled"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"` // success or failure
	LastError    string     `json:"last_error,omitempty"`
}

// Status is the worker process status section of the state document.
type Status struct {
	Running   bool       `json:"running"`
	PID       int        `json:"pid"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// State is the scheduler's shared document: the task table plus the worker
// process status. Both the supervisor and the worker read and write it.
type State struct {
	Tasks  []Task `json:"tasks"`
	Status Status `json:"status"`
}

// TaskByID returns a pointer into Tasks, or nil when the id is unknown
func (s *State) TaskByID(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// DefaultTasks is the initial task table written when no state file exists yet
func DefaultTasks() []Task {
	return []Task{
		{
			ID:           "check_expired_offers",
			Name:         "Expire overdue offers",
			Func:         "check_expired_offers",
			ScheduleType: "daily",
			TimeOfDay:    "01:00",
			Enabled:      true,
		},
		{
			ID:           "evaluate_rules",
			Name:         "Evaluate loyalty rules",
			Func:         "evaluate_rules",
			ScheduleType: "daily",
			TimeOfDay:    "02:00",
			Enabled:      true,
		},
		{
			ID:           "send_pending_offers",
			Name:         "Send generated offers",
			Func:         "send_pending_offers",
			ScheduleType: "daily",
			TimeOfDay:    "10:00",
			Enabled:      true,
		},
	}
}

// StateFile provides locked access to the state document. Concurrent
// supervisor and worker writers serialize on a sidecar lock file; each write
// goes to a temp file first and is renamed into place, so readers never see a
// torn document.
type StateFile struct {
	path string
	lock *flock.Flock
}

// NewStateFile creates a state file handle for the given path
func NewStateFile(path string) *StateFile {
	return &StateFile{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the state file location
func (f *StateFile) Path() string {
	return f.path
}

// Load reads the current state. A missing file yields the default state
// without creating it.
func (f *StateFile) Load() (*State, error) {
	if err := f.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock state file: %w", err)
	}
	defer f.lock.Unlock()

	return f.read()
}

// Update applies fn to the state under the file lock and persists the result.
// fn returning an error aborts the update and nothing is written.
func (f *StateFile) Update(fn func(*State) error) (*State, error) {
	if err := f.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock state file: %w", err)
	}
	defer f.lock.Unlock()

	state, err := f.read()
	if err != nil {
		return nil, err
	}

	if err := fn(state); err != nil {
		return nil, err
	}

	if err := f.write(state); err != nil {
		return nil, err
	}

	return state, nil
}

func (f *StateFile) read() (*State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Tasks: DefaultTasks()}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	if len(state.Tasks) == 0 {
		state.Tasks = DefaultTasks()
	}

	return &state, nil
}

func (f *StateFile) write(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}
