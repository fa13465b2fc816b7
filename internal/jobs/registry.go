package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// ErrAlreadyRunning is returned when a job is triggered while it runs.
var ErrAlreadyRunning = errors.New("job already running")

// ErrUnknownJob is returned for names that were never registered.
var ErrUnknownJob = errors.New("unknown job")

// Job is a unit of background work.
type Job interface {
	Name() string
	Run(ctx context.Context) (string, error)
}

// State is the last known state of one job.
type State struct {
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	LastStarted  time.Time `json:"lastStarted,omitempty"`
	LastFinished time.Time `json:"lastFinished,omitempty"`
	LastResult   string    `json:"lastResult,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	Runs         int64     `json:"runs"`
}

// Registry owns the state record of every registered job.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]Job
	states map[string]*State
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:   make(map[string]Job),
		states: make(map[string]*State),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register adds job in the IDLE state.
func (r *Registry) Register(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name()] = job
	r.states[job.Name()] = &State{Name: job.Name(), Status: StatusIdle}
}

// Run executes the named job synchronously unless it is already running.
func (r *Registry) Run(ctx context.Context, name string) (State, error) {
	r.mu.Lock()
	job, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return State{}, ErrUnknownJob
	}
	st := r.states[name]
	if st.Status == StatusRunning {
		snapshot := *st
		r.mu.Unlock()
		return snapshot, ErrAlreadyRunning
	}
	st.Status = StatusRunning
	st.LastStarted = r.now()
	st.Runs++
	r.mu.Unlock()

	result, err := runJob(ctx, job)

	r.mu.Lock()
	defer r.mu.Unlock()
	st.LastFinished = r.now()
	st.LastResult = result
	if err != nil {
		st.Status = StatusFailed
		st.LastError = err.Error()
	} else {
		st.Status = StatusDone
		st.LastError = ""
	}
	return *st, err
}

// runJob turns a panic in job into an error so its state can finish as FAILED.
func runJob(ctx context.Context, job Job) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), rec)
		}
	}()
	return job.Run(ctx)
}

// State returns a copy of the named job's state.
func (r *Registry) State(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// States returns every job state ordered by name.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.Name, b.Name) })
	return out
}
