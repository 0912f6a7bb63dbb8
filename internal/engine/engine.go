package engine

import (
	"errors"
	"time"

	"github.com/go-rod/rod"
)

var (
	// ErrEngineUnavailable means the engine is down, starting, or restarting.
	// Callers must fail fast instead of queueing behind a restart.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrContextExpired means the engine crashed after this context was issued.
	// The next operation for the owning session acquires a fresh context.
	ErrContextExpired = errors.New("execution context expired")
)

// State is the supervisor's lifecycle state
type State string

const (
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateCrashed    State = "CRASHED"
	StateRestarting State = "RESTARTING"
	StateStopped    State = "STOPPED"
)

// ExecutionContext is an isolated browsing state (cookies, storage, one page)
// inside the shared engine. It belongs to exactly one session at a time.
// Epoch ties it to the engine instance that created it; a crash bumps the
// supervisor's epoch and strands every older context.
type ExecutionContext struct {
	ID        string
	Epoch     uint64
	CreatedAt time.Time

	browser *rod.Browser
	page    *rod.Page
}

// Page returns the context's single page for navigation and extraction
func (e *ExecutionContext) Page() *rod.Page {
	return e.page
}
