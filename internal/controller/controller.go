// Package controller implements the per-transfer state machine (spec.md
// §4.6): one instance per transfer on each side, mediating pause/resume/
// cancel and publishing state, progress, completion and failure events.
// It tracks state only: it does not call the splitter, the assembler or
// the resume handler; the code that owns the connection does that and
// reports into the controller.
package controller

import (
	"fmt"
	"sync"

	"github.com/chunktransfer/chunktransfer/internal/dispatcher"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// State is a transfer's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Controller drives one transfer's lifecycle:
//
//	        start            pause         resume
//	idle ─────────▶ active ◀──────▶ paused ─────┐
//	                  │ │                        │
//	        complete  │ │ cancel                 │
//	                  ▼ ▼                        │
//	             completed  cancelled ◀──────────┘
//	                  │
//	             failure from any non-terminal state ⇒ failed
//
// Transitions are guarded: illegal requests return ErrInvalidState and do
// not mutate state. The controller feeds the given dispatcher progress,
// completion, failure and state-change events (fire-and-forget — see
// spec.md §5: "slow subscribers must not block the pipeline").
type Controller struct {
	id   transfer.ID
	disp *dispatcher.Dispatcher

	mu    sync.Mutex
	state State
}

// New constructs a Controller for id in the initial idle state.
func New(id transfer.ID, disp *dispatcher.Dispatcher) *Controller {
	return &Controller{id: id, disp: disp, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(from []State, to State) error {
	c.mu.Lock()
	ok := false
	for _, f := range from {
		if c.state == f {
			ok = true
			break
		}
	}
	if !ok {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot move from %s to %s", xferr.ErrInvalidState, cur, to)
	}
	c.state = to
	c.mu.Unlock()

	c.disp.Publish(dispatcher.Event{
		Kind:       dispatcher.EventStateChange,
		TransferID: c.id,
		State:      string(to),
	})
	return nil
}

// Start moves idle -> active.
func (c *Controller) Start() error {
	return c.transition([]State{StateIdle}, StateActive)
}

// Pause moves active -> paused. Only from active.
func (c *Controller) Pause() error {
	return c.transition([]State{StateActive}, StatePaused)
}

// Resume moves paused -> active. Only from paused.
func (c *Controller) Resume() error {
	return c.transition([]State{StatePaused}, StateActive)
}

// Cancel moves any non-terminal state -> cancelled.
func (c *Controller) Cancel() error {
	return c.transition([]State{StateIdle, StateActive, StatePaused}, StateCancelled)
}

// Complete moves active -> completed and emits EventTransferComplete.
func (c *Controller) Complete() error {
	if err := c.transition([]State{StateActive}, StateCompleted); err != nil {
		return err
	}
	c.disp.Publish(dispatcher.Event{Kind: dispatcher.EventTransferComplete, TransferID: c.id})
	return nil
}

// Fail moves any non-terminal state -> failed and emits EventTransferFailed
// with the given error kind and message.
func (c *Controller) Fail(errKind error, message string) error {
	if err := c.transition([]State{StateIdle, StateActive, StatePaused}, StateFailed); err != nil {
		return err
	}
	c.disp.Publish(dispatcher.Event{
		Kind:       dispatcher.EventTransferFailed,
		TransferID: c.id,
		ErrKind:    errKind,
		Message:    message,
	})
	return nil
}

// Progress emits a throttled progress event; callers are responsible for
// throttling frequency (spec.md §4.6: "progress (throttled)").
func (c *Controller) Progress(receivedCount, totalChunks, bytesWritten uint64) {
	c.disp.Publish(dispatcher.Event{
		Kind:          dispatcher.EventProgress,
		TransferID:    c.id,
		ReceivedCount: receivedCount,
		TotalChunks:   totalChunks,
		BytesWritten:  bytesWritten,
	})
}
