// Package download implements the download orchestrator: it drives a
// content fetch from peer discovery through parallel chunk transfers to
// reassembly, exposing pause, resume, and cancel controls that are safe
// to call from any goroutine.
package download

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/riftlink/riftlink/internal/discovery"
	"github.com/riftlink/riftlink/internal/hashing"
	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/internal/peer"
	"github.com/riftlink/riftlink/internal/securestream"
	"github.com/riftlink/riftlink/internal/store"
	"github.com/riftlink/riftlink/pkg/logging"
)

var (
	// ErrTaskExists is returned when a download is already active for an
	// infohash.
	ErrTaskExists = errors.New("download already active for infohash")
	// ErrUnknownTask is returned by control operations referencing an
	// unknown or already-terminal task.
	ErrUnknownTask = errors.New("no active download for infohash")
)

// Options tunes orchestrator behavior.
type Options struct {
	// MaxConcurrentFetches bounds chunk fetches across all active tasks.
	// Zero means the default of 10.
	MaxConcurrentFetches int
	// PausePoll is the interval paused tasks sleep between flag checks.
	// Zero means the default of 250ms.
	PausePoll time.Duration
	// CleanupPartial removes the chunk directory when a task ends
	// Cancelled or Failed. Off by default: blobs are left on disk.
	CleanupPartial bool
}

// Orchestrator owns the active-task registry and the shared chunk-fetch
// worker pool. The pool is the system's only admission-control point:
// every chunk fetch of every task acquires a slot from it.
type Orchestrator struct {
	discovery discovery.Service
	dialer    securestream.Dialer
	store     *store.Store

	mu    sync.RWMutex
	tasks map[string]*Task

	slots          chan struct{}
	pausePoll      time.Duration
	cleanupPartial bool
}

// NewOrchestrator creates an orchestrator using the given discovery
// service, transport dialer, and content store.
func NewOrchestrator(d discovery.Service, dialer securestream.Dialer, st *store.Store, opts Options) *Orchestrator {
	maxFetches := opts.MaxConcurrentFetches
	if maxFetches <= 0 {
		maxFetches = 10
	}
	pausePoll := opts.PausePoll
	if pausePoll <= 0 {
		pausePoll = 250 * time.Millisecond
	}
	return &Orchestrator{
		discovery:      d,
		dialer:         dialer,
		store:          st,
		tasks:          make(map[string]*Task),
		slots:          make(chan struct{}, maxFetches),
		pausePoll:      pausePoll,
		cleanupPartial: opts.CleanupPartial,
	}
}

// Start registers a new download task for the infohash and runs it
// asynchronously. It never blocks the caller. A nil sink is allowed.
func (o *Orchestrator) Start(m *manifest.Manifest, infohash string, sink ProgressSink) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if sink == nil {
		sink = NopSink{}
	}

	task := newTask(m, infohash, sink)

	o.mu.Lock()
	if _, exists := o.tasks[infohash]; exists {
		o.mu.Unlock()
		return ErrTaskExists
	}
	o.tasks[infohash] = task
	o.mu.Unlock()

	go o.run(task)
	return nil
}

// Pause stops dispatching new chunk fetches for the task. Fetches already
// in flight run to completion.
func (o *Orchestrator) Pause(infohash string) error {
	task, ok := o.lookup(infohash)
	if !ok {
		return ErrUnknownTask
	}
	task.paused.Store(true)
	logging.Log.Infof("Paused download %s", infohash)
	return nil
}

// Resume clears the task's pause flag.
func (o *Orchestrator) Resume(infohash string) error {
	task, ok := o.lookup(infohash)
	if !ok {
		return ErrUnknownTask
	}
	task.paused.Store(false)
	logging.Log.Infof("Resumed download %s", infohash)
	return nil
}

// Cancel forces the task into the Cancelled terminal state and
// best-effort-interrupts in-flight work. Reassembly is skipped and chunk
// blobs already written stay on disk unless the cleanup policy is on.
func (o *Orchestrator) Cancel(infohash string) error {
	task, ok := o.lookup(infohash)
	if !ok {
		return ErrUnknownTask
	}
	task.setState(StateCancelled, "Cancelled")
	task.cancel()
	logging.Log.Infof("Cancelled download %s", infohash)
	return nil
}

// Active returns the infohashes of all currently registered tasks.
func (o *Orchestrator) Active() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	hashes := make([]string, 0, len(o.tasks))
	for h := range o.tasks {
		hashes = append(hashes, h)
	}
	return hashes
}

func (o *Orchestrator) lookup(infohash string) (*Task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[infohash]
	return task, ok
}

func (o *Orchestrator) remove(infohash string) {
	o.mu.Lock()
	delete(o.tasks, infohash)
	o.mu.Unlock()
}

// run drives a task through its state machine. It is the only goroutine
// that transitions the task forward; control operations only flip flags
// or force the Cancelled state.
func (o *Orchestrator) run(t *Task) {
	defer func() {
		o.remove(t.infohash)
		state := t.State()
		if o.cleanupPartial && (state == StateCancelled || state == StateFailed) {
			if err := o.store.RemoveChunkDir(t.infohash); err != nil {
				logging.Log.Warnf("Failed to clean up chunk directory for %s: %v", t.infohash, err)
			}
		}
	}()

	t.setState(StateFindingPeers, "Finding peers...")
	peers, err := o.discovery.FindPeers(t.ctx, t.infohash)
	if err != nil {
		if t.cancelled() {
			t.setState(StateCancelled, "Cancelled")
			return
		}
		t.fail(fmt.Errorf("peer lookup failed: %w", err))
		return
	}
	if len(peers) == 0 {
		logging.Log.Errorf("No peers found for infohash: %s", t.infohash)
		t.fail(errors.New("no peers found"))
		return
	}

	if _, err := o.store.CreateChunkDir(t.infohash); err != nil {
		t.fail(err)
		return
	}

	t.setState(StateDownloading, "Downloading...")
	o.downloadChunks(t, peers)

	if t.cancelled() {
		t.setState(StateCancelled, "Cancelled")
		return
	}
	if t.State().Terminal() {
		return
	}

	t.setState(StateReassembling, "Reassembling...")
	if err := o.store.Reassemble(t.manifest, t.infohash); err != nil {
		t.fail(err)
		return
	}
	t.sink.SetProgress(1.0)
	t.setState(StateCompleted, "Completed")
}

// downloadChunks dispatches every chunk fetch in index order onto the
// shared worker pool. Dispatch honors the cancel flag immediately and
// busy-waits on the pause flag; completion order is unordered.
func (o *Orchestrator) downloadChunks(t *Task, peers []peer.Endpoint) {
	var wg sync.WaitGroup

dispatch:
	for index := 0; index < t.manifest.NumChunks(); index++ {
		if t.cancelled() || t.State().Terminal() {
			break
		}

		if t.paused.Load() {
			t.setState(StatePaused, "Paused")
			for t.paused.Load() {
				// An in-flight fetch may fail the task while we wait, so
				// terminal states must end the wait just like cancellation.
				if t.cancelled() || t.State().Terminal() {
					break dispatch
				}
				time.Sleep(o.pausePoll)
			}
			t.setState(StateDownloading, "Downloading...")
		}

		select {
		case o.slots <- struct{}{}:
		case <-t.ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-o.slots }()

			if err := o.fetchChunk(t, peers, index); err != nil {
				t.fail(err)
				return
			}
			if !t.cancelled() {
				t.reportChunkDone()
			}
		}(index)
	}

	wg.Wait()
}

// fetchChunk tries the discovered peers in order, each at most once, until
// one supplies a chunk whose hash matches the manifest. Transport errors
// and hash mismatches are treated identically: the peer did not satisfy
// the chunk. Exhausting the peer list fails the whole task.
func (o *Orchestrator) fetchChunk(t *Task, peers []peer.Endpoint, index int) error {
	expected := t.manifest.ChunkHashes[index]
	for _, p := range peers {
		if t.cancelled() {
			return nil
		}

		data, err := o.fetchChunkFromPeer(p, t.infohash, index)
		if err == nil && hashing.Sum(data) != expected {
			err = fmt.Errorf("chunk hash mismatch")
		}
		if err != nil {
			logging.Log.Warnf("Failed to download chunk %d from peer %s. Trying next peer. Reason: %v", index, p, err)
			continue
		}

		if err := o.store.WriteBlob(t.infohash, index, data); err != nil {
			return err
		}
		logging.Log.Debugf("Successfully downloaded and verified chunk %d", index)
		return nil
	}
	if t.cancelled() {
		return nil
	}
	return fmt.Errorf("could not download chunk %d from any peer", index)
}

// fetchChunkFromPeer opens one connection, sends the two-line chunk
// request, and reads the raw response to EOF.
func (o *Orchestrator) fetchChunkFromPeer(p peer.Endpoint, infohash string, index int) ([]byte, error) {
	conn, err := o.dialer.Dial(p.Host, p.Port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return request(conn, infohash, strconv.Itoa(index))
}
