package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type State string

const (
	StateQueued           State = "queued"
	StateResolvingSources State = "resolving_sources"
	StateRendering        State = "rendering"
	StateFinalizing       State = "finalizing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

var ErrInvalidTransition = errors.New("invalid export state transition")

// transitions lists the forward edges. Failed is reachable from every
// non-terminal state and is handled separately.
var transitions = map[State]State{
	StateQueued:           StateResolvingSources,
	StateResolvingSources: StateRendering,
	StateRendering:        StateFinalizing,
	StateFinalizing:       StateCompleted,
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return transitions[from] == to
}

// Observer is told about every state change. cause is nil except on the
// transition to StateFailed.
type Observer func(ctx context.Context, jobID string, from, to State, cause *ExportError)

// machine tracks one job's state.
type machine struct {
	jobID     string
	observers []Observer

	mu    sync.Mutex
	state State
}

func newMachine(jobID string, observers ...Observer) *machine {
	return &machine{jobID: jobID, state: StateQueued, observers: observers}
}

func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to the next state. A cancelled context fails the job instead.
func (m *machine) advance(ctx context.Context, to State) error {
	if err := ctx.Err(); err != nil {
		ee := cancelled(err)
		m.fail(ctx, ee)
		return ee
	}
	return m.transition(ctx, to, nil)
}

// fail is a no-op once the job is terminal.
func (m *machine) fail(ctx context.Context, cause *ExportError) {
	_ = m.transition(context.WithoutCancel(ctx), StateFailed, cause)
}

func (m *machine) transition(ctx context.Context, to State, cause *ExportError) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	for _, obs := range m.observers {
		obs(ctx, m.jobID, from, to, cause)
	}
	return nil
}
