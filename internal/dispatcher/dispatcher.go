// Package dispatcher implements the multi-producer event fan-out (spec.md
// §4.7): subscribers register callbacks; events are delivered on a
// dedicated worker so a slow subscriber never blocks the transfer path, and
// a panicking/erroring subscriber never propagates back to the publisher.
package dispatcher

import (
	"log/slog"

	"github.com/chunktransfer/chunktransfer/internal/transfer"
)

// Kind enumerates the four event kinds spec.md §4.6 names.
type Kind int

const (
	EventProgress Kind = iota
	EventTransferComplete
	EventTransferFailed
	EventStateChange
)

// Event is a fire-and-forget notification about one transfer.
type Event struct {
	Kind       Kind
	TransferID transfer.ID

	// Populated for EventProgress.
	ReceivedCount uint64
	TotalChunks   uint64
	BytesWritten  uint64

	// Populated for EventStateChange.
	State string

	// Populated for EventTransferFailed.
	ErrKind error
	Message string
}

// Subscriber receives dispatched events. It must not block for long; the
// dispatcher invokes subscribers sequentially on its single worker
// goroutine, so one slow subscriber does delay the others (this is the
// trade-off spec.md §9 accepts by avoiding cyclic controller/subscriber
// ownership: the dispatcher holds the strong list, subscribers are weak
// handles).
type Subscriber func(Event)

// Dispatcher owns the subscriber list and a dedicated delivery worker,
// isolating the transfer path from subscriber latency (spec.md §4.7).
type Dispatcher struct {
	events      chan Event
	subscribers []Subscriber
	logger      *slog.Logger
	done        chan struct{}
}

// New starts a Dispatcher with the given event queue depth.
func New(queueDepth int, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		events: make(chan Event, queueDepth),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers sub to receive all future events. Not safe to call
// concurrently with Publish/Close from multiple goroutines without external
// synchronization by the caller; in practice subscribers are registered at
// startup before any transfer begins.
func (d *Dispatcher) Subscribe(sub Subscriber) {
	d.subscribers = append(d.subscribers, sub)
}

// Publish enqueues an event for asynchronous delivery. Never blocks the
// caller beyond the channel send (the queue should be sized generously;
// a full queue means subscribers are falling behind and events are
// dropped with a log warning rather than stalling the transfer path).
func (d *Dispatcher) Publish(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("dispatcher queue full, dropping event", "kind", ev.Kind, "transfer_id", ev.TransferID)
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case ev := <-d.events:
			d.deliver(ev)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, sub := range d.subscribers {
		d.safeInvoke(sub, ev)
	}
}

// safeInvoke calls sub and recovers any panic, logging it instead of
// propagating — subscriber failures must never affect the transfer path
// (spec.md §4.7).
func (d *Dispatcher) safeInvoke(sub Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher subscriber panicked", "panic", r, "kind", ev.Kind, "transfer_id", ev.TransferID)
		}
	}()
	sub(ev)
}

// Close stops the delivery worker.
func (d *Dispatcher) Close() {
	close(d.done)
}
