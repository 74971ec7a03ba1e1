package download

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riftlink/riftlink/internal/discovery"
	"github.com/riftlink/riftlink/internal/hashing"
	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/internal/peer"
	"github.com/riftlink/riftlink/internal/store"
	"github.com/riftlink/riftlink/pkg/logging"
)

func TestMain(m *testing.M) {
	logging.InitLogger(true)
	os.Exit(m.Run())
}

const testChunkSize = 1024

// makeContent builds deterministic file content and its manifest.
func makeContent(t *testing.T, size int64) ([]byte, *manifest.Manifest, string) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(size + 1)).Read(data)

	m := &manifest.Manifest{
		Name:        "content.bin",
		TotalSize:   size,
		ChunkSize:   testChunkSize,
		ChunkHashes: []string{},
	}
	for offset := int64(0); offset < size; offset += testChunkSize {
		end := offset + testChunkSize
		if end > size {
			end = size
		}
		m.ChunkHashes = append(m.ChunkHashes, hashing.Sum(data[offset:end]))
	}
	infohash, err := m.InfoHash()
	if err != nil {
		t.Fatal(err)
	}
	return data, m, infohash
}

// chunkHandler produces the bytes a fake peer serves for a chunk request.
// Returning nil closes the connection with zero bytes written.
type chunkHandler func(infohash string, index int) []byte

// fakeDialer satisfies securestream.Dialer with in-memory pipes. Each
// endpoint gets a handler; every served request is recorded.
type fakeDialer struct {
	mu       sync.Mutex
	handlers map[string]chunkHandler
	refuse   map[string]bool
	serves   map[string]int // "endpoint/index" -> count
	servedCh chan int
	delay    time.Duration
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		handlers: make(map[string]chunkHandler),
		refuse:   make(map[string]bool),
		serves:   make(map[string]int),
		servedCh: make(chan int, 256),
	}
}

func (d *fakeDialer) addPeer(ep peer.Endpoint, h chunkHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[ep.String()] = h
}

func (d *fakeDialer) serveCount(ep peer.Endpoint, index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serves[fmt.Sprintf("%s/%d", ep, index)]
}

func (d *fakeDialer) Dial(host string, port int) (net.Conn, error) {
	key := peer.Endpoint{Host: host, Port: port}.String()

	d.mu.Lock()
	handler, ok := d.handlers[key]
	refused := d.refuse[key]
	d.mu.Unlock()

	if refused || !ok {
		return nil, errors.New("connection refused")
	}

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		reader := bufio.NewReader(server)
		line1, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line2, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		infohash := strings.TrimSpace(line1)
		index, err := strconv.Atoi(strings.TrimSpace(line2))
		if err != nil || infohash == manifest.MetadataMarker {
			return
		}

		if d.delay > 0 {
			time.Sleep(d.delay)
		}

		d.mu.Lock()
		d.serves[fmt.Sprintf("%s/%d", key, index)]++
		d.mu.Unlock()
		select {
		case d.servedCh <- index:
		default:
		}

		if data := handler(infohash, index); data != nil {
			server.Write(data)
		}
	}()
	return client, nil
}

// serveAll returns a handler serving correct chunks of data.
func serveAll(data []byte) chunkHandler {
	return func(infohash string, index int) []byte {
		offset := int64(index) * testChunkSize
		if offset >= int64(len(data)) {
			return nil
		}
		end := offset + testChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[offset:end]
	}
}

// captureSink records every state and progress update.
type captureSink struct {
	mu       sync.Mutex
	states   []State
	progress []float64
	terminal State
	done     chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{done: make(chan struct{})}
}

func (s *captureSink) SetStatus(state State, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	if state.Terminal() && s.terminal == StatePending {
		s.terminal = state
		close(s.done)
	}
}

func (s *captureSink) SetProgress(progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
}

func (s *captureSink) wait(t *testing.T) State {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for terminal state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *captureSink) sawState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st == state {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(t.TempDir(), t.TempDir(), nil, store.Options{ChunkSize: testChunkSize})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestDownloadCompletes(t *testing.T) {
	data, m, infohash := makeContent(t, 3*testChunkSize+17)

	epA := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	dialer := newFakeDialer()
	dialer.addPeer(epA, serveAll(data))

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{epA}, dialer, st, Options{})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if state := sink.wait(t); state != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", state)
	}
	for _, want := range []State{StateFindingPeers, StateDownloading, StateReassembling, StateCompleted} {
		if !sink.sawState(want) {
			t.Errorf("state %s never reported", want)
		}
	}

	out, err := os.ReadFile(filepath.Join(st.DownloadsDir(), m.Name))
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("downloaded file differs from original")
	}

	sink.mu.Lock()
	final := sink.progress[len(sink.progress)-1]
	sink.mu.Unlock()
	if final != 1.0 {
		t.Errorf("final progress = %v, want 1.0", final)
	}
}

func TestPeerFallbackOnCorruption(t *testing.T) {
	data, m, infohash := makeContent(t, 3*testChunkSize)

	// Peer A serves chunk 1 with a flipped bit; peer B is correct. The
	// downloader must fall back to B for chunk 1 and still complete.
	corrupt := func(infohash string, index int) []byte {
		chunk := serveAll(data)(infohash, index)
		if index == 1 && chunk != nil {
			bad := append([]byte(nil), chunk...)
			bad[0] ^= 0x01
			return bad
		}
		return chunk
	}

	epA := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	epB := peer.Endpoint{Host: "10.0.0.2", Port: 4001}
	dialer := newFakeDialer()
	dialer.addPeer(epA, corrupt)
	dialer.addPeer(epB, serveAll(data))

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{epA, epB}, dialer, st, Options{})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}
	if state := sink.wait(t); state != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", state)
	}

	out, err := os.ReadFile(filepath.Join(st.DownloadsDir(), m.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("downloaded file differs from original")
	}

	// Each peer is tried at most once per chunk.
	if got := dialer.serveCount(epA, 1); got != 1 {
		t.Errorf("peer A served chunk 1 %d times, want 1", got)
	}
	if got := dialer.serveCount(epB, 1); got != 1 {
		t.Errorf("peer B served chunk 1 %d times, want 1", got)
	}
}

func TestAllPeersFailTaskFails(t *testing.T) {
	_, m, infohash := makeContent(t, 2*testChunkSize)

	// Peer A refuses connections; peer B closes every chunk request with
	// zero bytes. Exhaustion of the peer list fails the whole task.
	epA := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	epB := peer.Endpoint{Host: "10.0.0.2", Port: 4001}
	dialer := newFakeDialer()
	dialer.refuse[epA.String()] = true
	dialer.addPeer(epB, func(string, int) []byte { return nil })

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{epA, epB}, dialer, st, Options{})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}
	if state := sink.wait(t); state != StateFailed {
		t.Fatalf("terminal state = %s, want failed", state)
	}

	if _, err := os.Stat(filepath.Join(st.DownloadsDir(), m.Name)); !os.IsNotExist(err) {
		t.Errorf("output file written despite failure")
	}
}

func TestNoPeersFails(t *testing.T) {
	_, m, infohash := makeContent(t, testChunkSize)

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{}, dialerStub{}, st, Options{})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}
	if state := sink.wait(t); state != StateFailed {
		t.Fatalf("terminal state = %s, want failed", state)
	}
}

type dialerStub struct{}

func (dialerStub) Dial(host string, port int) (net.Conn, error) {
	return nil, errors.New("dialer must not be used")
}

func TestStartDuplicateInfohash(t *testing.T) {
	data, m, infohash := makeContent(t, 4*testChunkSize)

	ep := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	dialer := newFakeDialer()
	dialer.delay = 50 * time.Millisecond
	dialer.addPeer(ep, serveAll(data))

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{ep}, dialer, st, Options{})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}
	if err := orch.Start(m, infohash, NopSink{}); !errors.Is(err, ErrTaskExists) {
		t.Errorf("second Start returned %v, want ErrTaskExists", err)
	}
	sink.wait(t)
}

func TestPauseResume(t *testing.T) {
	data, m, infohash := makeContent(t, 4*testChunkSize)

	ep := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	dialer := newFakeDialer()
	dialer.delay = 50 * time.Millisecond
	dialer.addPeer(ep, serveAll(data))

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{ep}, dialer, st, Options{
		MaxConcurrentFetches: 1,
		PausePoll:            10 * time.Millisecond,
	})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}

	// Pause as soon as the first chunk fetch is in flight. The in-flight
	// fetch runs to completion; no further chunk may be dispatched until
	// resume.
	select {
	case <-dialer.servedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never dispatched")
	}
	if err := orch.Pause(infohash); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		task, ok := orch.lookup(infohash)
		if !ok {
			t.Fatal("task disappeared while paused")
		}
		if task.State() == StatePaused {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never reported Paused")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Give the pause a moment to prove it holds, then check that not
	// every chunk has been dispatched.
	time.Sleep(200 * time.Millisecond)
	dispatched := 0
	for i := 0; i < m.NumChunks(); i++ {
		dispatched += dialer.serveCount(ep, i)
	}
	if dispatched >= m.NumChunks() {
		t.Fatalf("all %d chunks dispatched despite pause", dispatched)
	}

	if err := orch.Resume(infohash); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if state := sink.wait(t); state != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", state)
	}

	// No chunk was dispatched twice.
	for i := 0; i < m.NumChunks(); i++ {
		if got := dialer.serveCount(ep, i); got != 1 {
			t.Errorf("chunk %d dispatched %d times, want 1", i, got)
		}
	}

	out, err := os.ReadFile(filepath.Join(st.DownloadsDir(), m.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("downloaded file differs from original")
	}
}

func TestCancelSkipsReassembly(t *testing.T) {
	data, m, infohash := makeContent(t, 4*testChunkSize)

	ep := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	dialer := newFakeDialer()
	dialer.delay = 100 * time.Millisecond
	dialer.addPeer(ep, serveAll(data))

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{ep}, dialer, st, Options{
		MaxConcurrentFetches: 1,
	})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}

	select {
	case <-dialer.servedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never dispatched")
	}
	if err := orch.Cancel(infohash); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if state := sink.wait(t); state != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", state)
	}
	if sink.sawState(StateReassembling) {
		t.Errorf("reassembly ran despite cancellation")
	}
	if _, err := os.Stat(filepath.Join(st.DownloadsDir(), m.Name)); !os.IsNotExist(err) {
		t.Errorf("output file written despite cancellation")
	}

	// The task leaves the registry once its goroutine winds down; control
	// operations then report an unknown task.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := orch.Pause(infohash); errors.Is(err, ErrUnknownTask) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cancelled task never left the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFailureWhilePausedReleasesTask(t *testing.T) {
	data, m, infohash := makeContent(t, 3*testChunkSize)

	// The single peer serves chunk 0 but nothing else, so the fetch that
	// is in flight when the task gets paused exhausts the peer list and
	// fails the task. The failure must end the pause wait: the task has
	// to leave the registry without ever being resumed, so the infohash
	// can be started again.
	ep := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	dialer := newFakeDialer()
	dialer.delay = 50 * time.Millisecond
	dialer.addPeer(ep, func(infohash string, index int) []byte {
		if index == 0 {
			return serveAll(data)(infohash, index)
		}
		return nil
	})

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{ep}, dialer, st, Options{
		MaxConcurrentFetches: 1,
		PausePoll:            10 * time.Millisecond,
	})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}

	select {
	case <-dialer.servedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never dispatched")
	}
	if err := orch.Pause(infohash); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	if state := sink.wait(t); state != StateFailed {
		t.Fatalf("terminal state = %s, want failed", state)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := orch.Pause(infohash); errors.Is(err, ErrUnknownTask) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed task never left the registry while paused")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The infohash is free for a fresh attempt.
	if err := orch.Start(m, infohash, NopSink{}); err != nil {
		t.Fatalf("restart after failure returned %v", err)
	}
	if err := orch.Cancel(infohash); err != nil && !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Cancel of restarted task failed: %v", err)
	}
}

func TestCleanupPartialPolicy(t *testing.T) {
	_, m, infohash := makeContent(t, 2*testChunkSize)

	// All peers fail, so the task fails after creating its chunk dir.
	ep := peer.Endpoint{Host: "10.0.0.1", Port: 4001}
	dialer := newFakeDialer()
	dialer.addPeer(ep, func(string, int) []byte { return nil })

	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{ep}, dialer, st, Options{CleanupPartial: true})

	sink := newCaptureSink()
	if err := orch.Start(m, infohash, sink); err != nil {
		t.Fatal(err)
	}
	if state := sink.wait(t); state != StateFailed {
		t.Fatalf("terminal state = %s, want failed", state)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(st.ChunkDir(infohash)); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunk directory not cleaned up under cleanup policy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlOperationsOnUnknownTask(t *testing.T) {
	st := newTestStore(t)
	orch := NewOrchestrator(discovery.Static{}, dialerStub{}, st, Options{})

	unknown := strings.Repeat("d", 64)
	if err := orch.Pause(unknown); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Pause returned %v, want ErrUnknownTask", err)
	}
	if err := orch.Resume(unknown); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Resume returned %v, want ErrUnknownTask", err)
	}
	if err := orch.Cancel(unknown); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Cancel returned %v, want ErrUnknownTask", err)
	}
}
