package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TaskFunc is the body of a scheduled job. The returned string is a short
// human-readable outcome for the run log.
type TaskFunc func(ctx context.Context) (string, error)

// Registry maps task func names from the state document to implementations.
// The API server and the worker share the same registry wiring.
type Registry struct {
	funcs map[string]TaskFunc
}

// NewRegistry creates an empty task registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register adds a named task func, replacing any previous registration
func (r *Registry) Register(name string, fn TaskFunc) {
	r.funcs[name] = fn
}

// Get returns the task func for a name
func (r *Registry) Get(name string) (TaskFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered task func names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CronSpec translates a task's schedule into a standard five-field cron
// expression: daily at the given time, weekly on Monday, monthly on the 1st.
func CronSpec(scheduleType, timeOfDay string) (string, error) {
	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}

	switch scheduleType {
	case "daily":
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case "weekly":
		return fmt.Sprintf("%d %d * * 1", minute, hour), nil
	case "monthly":
		return fmt.Sprintf("%d %d 1 * *", minute, hour), nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

func parseTimeOfDay(value string) (hour, minute int, err error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time of day %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q", value)
	}
	return hour, minute, nil
}
