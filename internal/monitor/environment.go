package monitor

import (
	"context"
	"sync"
)

// SimEnvironment is a programmatic Environment used by the CLI agent
// and by tests: signals are injected with Emit, fullscreen state is a
// flag.
type SimEnvironment struct {
	capable bool

	mu         sync.Mutex
	fullscreen bool
	closed     bool
	signals    chan Signal
}

// NewSimEnvironment creates a SimEnvironment. capable controls the
// fullscreen heuristic.
func NewSimEnvironment(capable bool) *SimEnvironment {
	return &SimEnvironment{
		capable: capable,
		signals: make(chan Signal, 32),
	}
}

func (e *SimEnvironment) FullscreenCapable() bool { return e.capable }

func (e *SimEnvironment) AcquireFullscreen(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fullscreen = true
	return nil
}

func (e *SimEnvironment) ReleaseFullscreen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fullscreen = false
}

// Fullscreen reports the simulated fullscreen state.
func (e *SimEnvironment) Fullscreen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fullscreen
}

func (e *SimEnvironment) Signals() <-chan Signal { return e.signals }

// Emit injects a raw signal. A fullscreen-exit signal also drops the
// simulated fullscreen state, mirroring an external exit.
func (e *SimEnvironment) Emit(sig Signal) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if sig.Kind == SignalFullscreenExit {
		e.fullscreen = false
	}
	e.mu.Unlock()
	e.signals <- sig
}

// Close ends the signal stream.
func (e *SimEnvironment) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.signals)
	}
}
