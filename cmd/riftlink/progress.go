package main

import (
	"sync"

	"github.com/riftlink/riftlink/internal/download"
	"github.com/riftlink/riftlink/pkg/logging"
)

// consoleSink logs progress updates and lets the command wait for the
// task's terminal state.
type consoleSink struct {
	mu    sync.Mutex
	state download.State
	done  chan struct{}
}

func newConsoleSink() *consoleSink {
	return &consoleSink{done: make(chan struct{})}
}

func (s *consoleSink) SetStatus(state download.State, message string) {
	logging.Log.Infof("Download status: %s", message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	if state.Terminal() {
		close(s.done)
	}
}

func (s *consoleSink) SetProgress(progress float64) {
	logging.Log.Infof("Progress: %.1f%%", progress*100)
}

// wait blocks until the task reaches a terminal state and returns it.
func (s *consoleSink) wait() download.State {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
