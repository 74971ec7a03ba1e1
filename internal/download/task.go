package download

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/riftlink/riftlink/internal/manifest"
)

// ProgressSink receives task state and progress updates. Implementations
// must be safe for concurrent use; the orchestrator calls them from
// worker goroutines.
type ProgressSink interface {
	SetStatus(state State, message string)
	SetProgress(progress float64)
}

// NopSink discards all updates.
type NopSink struct{}

func (NopSink) SetStatus(State, string) {}
func (NopSink) SetProgress(float64)     {}

// Task is one active download attempt for an infohash. It is owned
// exclusively by the orchestrator; callers interact with it only through
// the orchestrator's control operations.
type Task struct {
	infohash string
	manifest *manifest.Manifest
	sink     ProgressSink

	completed atomic.Int64
	paused    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	err   error
}

func newTask(m *manifest.Manifest, infohash string, sink ProgressSink) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		infohash: infohash,
		manifest: m,
		sink:     sink,
		ctx:      ctx,
		cancel:   cancel,
		state:    StatePending,
	}
}

// setState transitions the task and notifies the sink. Once a terminal
// state is reached, further transitions are ignored.
func (t *Task) setState(state State, message string) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.mu.Unlock()
	t.sink.SetStatus(state, message)
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()
	t.sink.SetStatus(StateFailed, "Error: "+err.Error())
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure reason for a task in StateFailed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) cancelled() bool {
	return t.ctx.Err() != nil
}

func (t *Task) reportChunkDone() {
	done := t.completed.Add(1)
	total := t.manifest.NumChunks()
	if total > 0 {
		t.sink.SetProgress(float64(done) / float64(total))
	}
}
