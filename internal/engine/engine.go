// Package engine implements the TransactionEngine: the single worker that
// owns the in-flight transaction, the binary completion latch, and the
// timeout/retry/abort bookkeeping described in spec.md §4.4 — the heart of
// the driver. Its send-path goroutine shape (one worker draining a queue,
// serialized writes, hook-driven error hooks) is grounded on the teacher's
// internal/transport.AsyncTx fan-in loop (internal/transport/async_tx.go);
// the completion latch itself has no teacher analogue and follows the
// single-slot binary-signal idiom spec.md §9 names directly.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gozwave/zwaved/internal/events"
	"github.com/gozwave/zwaved/internal/frame"
	"github.com/gozwave/zwaved/internal/logging"
	"github.com/gozwave/zwaved/internal/message"
	"github.com/gozwave/zwaved/internal/metrics"
	"github.com/gozwave/zwaved/internal/node"
	"github.com/gozwave/zwaved/internal/processor"
	"github.com/gozwave/zwaved/internal/queue"
)

// Default tunables (spec.md §6).
const (
	ResponseTimeout = 5000 * time.Millisecond
	CANBackoff      = 100 * time.Millisecond
)

// Writer is the minimal write-side contract the engine needs from the
// serial link; satisfied by *serialport.Link.
type Writer interface {
	WriteAll(b []byte) error
}

// WakeUpChecker reports whether a non-listening node is currently awake.
// A real implementation is owned by the WakeUp command-class handler (out
// of scope, spec.md §1); the engine only needs the yes/no answer.
type WakeUpChecker interface {
	IsAwake(n *node.Node) bool
}

// AlwaysAwake is the default WakeUpChecker used when the caller has no
// wake-up command-class integration: every node is treated as reachable,
// so only the registry's Listening/FrequentlyListening flags gate the
// wake-up queue.
type AlwaysAwake struct{}

func (AlwaysAwake) IsAwake(*node.Node) bool { return true }

// control records which control byte, if any, raised the completion
// latch for the transaction currently being waited on.
type control int

const (
	controlNone control = iota
	controlNAK
	controlCAN
)

// Engine coordinates the single outstanding transaction (spec.md §3, §4.4).
type Engine struct {
	queue      *queue.Queue
	writer     Writer
	processors *processor.Registry
	nodes      *node.Registry
	events     *events.Bus
	state      *processor.State
	wakeUp     WakeUpChecker

	responseTimeout time.Duration
	canBackoff      time.Duration

	// handleFailedSendData is invoked instead of a plain re-enqueue when a
	// SendData message exhausts a send attempt but still has budget left
	// (spec.md §4.4 step 7c). Overridable via WithFailedSendDataHook.
	handleFailedSendData func(m *message.Message)

	signal chan struct{} // binary "one is enough" completion latch, cap 1

	mu           sync.Mutex
	inFlight     *message.Message
	lastControl  control
	eventEmitted bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithWakeUpChecker overrides the default AlwaysAwake policy.
func WithWakeUpChecker(c WakeUpChecker) Option {
	return func(e *Engine) { e.wakeUp = c }
}

// WithFailedSendDataHook overrides the default re-enqueue-on-failure
// behavior for SendData messages (spec.md §4.4 step 7c: "may choose to
// retry, reroute, or mark the node dead").
func WithFailedSendDataHook(fn func(m *message.Message)) Option {
	return func(e *Engine) { e.handleFailedSendData = fn }
}

// WithResponseTimeout overrides the default 5000 ms completion-wait deadline
// (used by tests to avoid waiting the full production timeout).
func WithResponseTimeout(d time.Duration) Option {
	return func(e *Engine) { e.responseTimeout = d }
}

// WithCANBackoff overrides the default 100 ms post-CAN settle delay.
func WithCANBackoff(d time.Duration) Option {
	return func(e *Engine) { e.canBackoff = d }
}

// New constructs an Engine. q, w, procs, nodes, bus, and state are shared
// with the rest of the controller and must outlive the Engine.
func New(q *queue.Queue, w Writer, procs *processor.Registry, nodes *node.Registry, bus *events.Bus, state *processor.State, opts ...Option) *Engine {
	e := &Engine{
		queue:      q,
		writer:     w,
		processors: procs,
		nodes:      nodes,
		events:     bus,
		state:      state,
		wakeUp:          AlwaysAwake{},
		responseTimeout: ResponseTimeout,
		canBackoff:      CANBackoff,
		signal:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
	e.handleFailedSendData = func(m *message.Message) { e.queue.Put(m) }
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit appends msg to the send queue (spec.md §4.4 "submit").
func (e *Engine) Submit(msg *message.Message) {
	e.queue.Put(msg)
}

// OnFrame is called by the ReceiveLoop with a validated, ACKed frame. It
// dispatches to the registered MessageProcessor and raises the completion
// latch if the processor reports the transaction complete (spec.md §4.4).
func (e *Engine) OnFrame(fr frame.Frame) {
	e.mu.Lock()
	cur := e.inFlight
	e.mu.Unlock()

	ctx := &processor.Context{
		State:   e.state,
		Nodes:   e.nodes,
		Events:  e.events,
		Enqueue: e.Submit,
	}
	res := e.processors.Dispatch(ctx, cur, fr)
	if res.TransactionComplete {
		e.mu.Lock()
		e.lastControl = controlNone
		e.eventEmitted = res.EventEmitted
		e.mu.Unlock()
		e.raise()
	}
}

// OnControlByte is called by the ReceiveLoop for ACK/NAK/CAN bytes. An ACK
// alone never raises the latch (spec.md §4.4).
func (e *Engine) OnControlByte(b byte) {
	switch b {
	case frame.NAK:
		e.mu.Lock()
		e.lastControl = controlNAK
		e.mu.Unlock()
		e.raise()
	case frame.CAN:
		e.mu.Lock()
		e.lastControl = controlCAN
		e.mu.Unlock()
		e.raise()
	}
}

func (e *Engine) raise() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) drain() {
	select {
	case <-e.signal:
	default:
	}
}

// Stop unblocks a blocked queue Take and any in-progress completion wait,
// causing Run to return. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.queue.Close()
}

// ErrStopped is returned by Run when it exits because Stop was called.
var ErrStopped = errors.New("engine: stopped")

// Run is the engine worker's run loop (spec.md §4.4). It blocks until the
// queue is closed, Stop is called, or a wire write fails — the latter is
// treated like the ReceiveLoop's I/O-error exit (spec.md §7 WireIOError):
// Run returns and the Watchdog respawns both loops together.
func (e *Engine) Run() error {
	for {
		m, ok := e.queue.Take()
		if !ok {
			return ErrStopped
		}
		metrics.SetQueueDepth(e.queue.Len())

		if m.IsSendData() && m.Priority != message.PriorityLow && e.deferForWakeUp(m) {
			continue
		}

		e.drain()
		e.mu.Lock()
		e.lastControl = controlNone
		e.eventEmitted = false
		e.inFlight = m
		e.mu.Unlock()
		metrics.SetInFlight(true)

		buf := frame.Encode(frame.Frame{Type: byte(m.Type), Class: byte(m.Class), Payload: m.Payload})
		if err := e.writer.WriteAll(buf); err != nil {
			logging.L().Error("engine_write_failed", slog.String("error", err.Error()))
			metrics.IncError(metrics.ErrWireWrite)
			e.clearInFlight()
			return err
		}
		metrics.IncTxFrames()

		signalled := e.waitForCompletion()

		e.clearInFlight()

		select {
		case <-e.stopCh:
			return ErrStopped
		default:
		}

		if !signalled {
			e.handleTimeout(m)
			continue
		}

		e.mu.Lock()
		ctrl := e.lastControl
		emitted := e.eventEmitted
		e.mu.Unlock()

		switch ctrl {
		case controlCAN:
			e.queue.PutFront(m)
			time.Sleep(e.canBackoff)
		case controlNAK:
			e.retryOrDiscard(m)
		default:
			if !emitted {
				e.events.Emit(events.Event{Kind: events.TransactionCompleted, SentMessage: m})
			}
		}
	}
}

func (e *Engine) clearInFlight() {
	e.mu.Lock()
	e.inFlight = nil
	e.mu.Unlock()
	metrics.SetInFlight(false)
}

func (e *Engine) waitForCompletion() bool {
	select {
	case <-e.signal:
		return true
	case <-time.After(e.responseTimeout):
		return false
	case <-e.stopCh:
		return false
	}
}

// deferForWakeUp implements spec.md §4.4 step 2: a non-listening,
// non-frequently-listening node's SendData message is parked on the
// node's wake-up queue instead of being transmitted.
func (e *Engine) deferForWakeUp(m *message.Message) bool {
	if m.TargetNodeId == 0 {
		return false
	}
	n := e.nodes.Get(m.TargetNodeId)
	if n == nil || n.AlwaysReachable() {
		return false
	}
	if e.wakeUp.IsAwake(n) {
		return false
	}
	n.Enqueue(m)
	return true
}

// handleTimeout implements spec.md §4.4 step 7: a SendDataAbort escape for
// SendData messages, then the shared retry/discard bookkeeping.
func (e *Engine) handleTimeout(m *message.Message) {
	metrics.IncTimeouts()
	if m.IsSendData() {
		abort := frame.Encode(frame.Frame{Type: frame.TypeRequest, Class: byte(message.ClassSendDataAbort)})
		if err := e.writer.WriteAll(abort); err != nil {
			logging.L().Warn("senddata_abort_write_failed", slog.String("error", err.Error()))
		} else {
			metrics.IncTxFrames()
		}
	}
	e.retryOrDiscard(m)
}

// retryOrDiscard implements the shared tail of spec.md §4.4 step 7c: decrement
// the attempt budget, then retry (via the SendData hook or a plain
// re-enqueue) or discard with a warning.
func (e *Engine) retryOrDiscard(m *message.Message) {
	m.AttemptsRemaining--
	if m.AttemptsRemaining < 0 {
		metrics.IncDiscarded()
		logging.L().Warn("message_discarded", slog.String("class", m.Class.String()))
		return
	}
	if m.IsSendData() {
		e.handleFailedSendData(m)
		return
	}
	e.queue.Put(m)
}
