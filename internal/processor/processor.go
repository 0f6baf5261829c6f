// Package processor dispatches decoded frames to class-specific handlers
// that interpret the payload and report whether the in-flight transaction
// is complete (spec.md §4.4, §4.6 "MessageProcessor registry"). This is the
// external-collaborator boundary: command-class semantics, device
// databases, and bindings are out of scope (spec.md §1) and live behind
// this interface so the engine never special-cases a message class itself.
package processor

import (
	"log/slog"
	"sync"

	"github.com/gozwave/zwaved/internal/events"
	"github.com/gozwave/zwaved/internal/frame"
	"github.com/gozwave/zwaved/internal/logging"
	"github.com/gozwave/zwaved/internal/message"
	"github.com/gozwave/zwaved/internal/node"
)

// State is the controller-wide value processors read and mutate (spec.md
// §3 ControllerState). It is owned by the façade and threaded into
// processors through Context rather than captured as ambient state
// (spec.md §9 "Global-ish controller state").
type State struct {
	mu sync.Mutex

	HomeId               uint32
	OwnNodeId            byte
	SerialApiVersion     string
	LibraryType          byte
	ManufacturerId       uint16
	DeviceType           uint16
	DeviceId             uint16
	InitializationComplete bool
}

// Lock/Unlock guard the fields. They are taken by the processors (which run
// on the receive-loop goroutine via Engine.OnFrame), by the watchdog, and by
// the façade's query methods.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Context is the explicit parameter processors receive in place of
// ambient globals (spec.md §9).
type Context struct {
	State   *State
	Nodes   *node.Registry
	Events  *events.Bus
	// Enqueue submits a new Message to the send queue (used e.g. by the
	// SerialApiGetCapabilities processor to chain SerialApiGetInitData).
	Enqueue func(*message.Message)
}

// Result is returned by a Processor after inspecting an incoming frame.
type Result struct {
	// TransactionComplete raises the engine's completion latch when true
	// (spec.md §4.4).
	TransactionComplete bool
	// EventEmitted tells the engine the processor already emitted
	// TransactionCompleted itself (spec.md §4.4 step 6 "unless the
	// processor already did"), so the engine's default emission is
	// skipped and the event is not delivered twice.
	EventEmitted bool
}

// Processor interprets a single decoded Frame in light of the message
// currently in flight (nil if the frame arrived unsolicited) and reports
// whether the transaction it belongs to is now complete.
type Processor interface {
	Process(ctx *Context, inFlight *message.Message, fr frame.Frame) Result
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx *Context, inFlight *message.Message, fr frame.Frame) Result

func (f ProcessorFunc) Process(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	return f(ctx, inFlight, fr)
}

// Registry dispatches by message class. Unknown classes are logged and
// ignored rather than crashing the engine (spec.md §7).
type Registry struct {
	mu    sync.RWMutex
	procs map[message.Class]Processor
}

// NewRegistry returns a Registry with the built-in initialization and
// SendData processors already registered (spec.md §4.6 numbered steps).
func NewRegistry() *Registry {
	r := &Registry{procs: make(map[message.Class]Processor)}
	r.Register(message.ClassGetVersion, ProcessorFunc(processGetVersion))
	r.Register(message.ClassMemoryGetId, ProcessorFunc(processMemoryGetId))
	r.Register(message.ClassSerialApiGetCapabilities, ProcessorFunc(processSerialApiGetCapabilities))
	r.Register(message.ClassSerialApiGetInitData, ProcessorFunc(processSerialApiGetInitData))
	r.Register(message.ClassSendData, ProcessorFunc(processSendData))
	return r
}

// Register installs or replaces the Processor for a class.
func (r *Registry) Register(class message.Class, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[class] = p
}

// Dispatch looks up the Processor for fr.Class and invokes it. A class with
// no registered Processor is logged and treated as not completing any
// transaction (spec.md §7 "Unknown message classes log and are ignored").
func (r *Registry) Dispatch(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	r.mu.RLock()
	p, ok := r.procs[message.Class(fr.Class)]
	r.mu.RUnlock()
	if !ok {
		logging.L().Warn("processor_unknown_class", slog.Int("class", int(fr.Class)))
		return Result{}
	}
	return p.Process(ctx, inFlight, fr)
}
