// Package controller assembles the driver's collaborators behind the
// public façade described in spec.md §4.6: SerialLink, the send queue, the
// TransactionEngine, the ReceiveLoop, the NodeRegistry, and the Watchdog.
// Its functional-options construction is grounded on the teacher's
// internal/server.Server/ServerOption shape (internal/server/server.go).
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gozwave/zwaved/internal/engine"
	"github.com/gozwave/zwaved/internal/events"
	"github.com/gozwave/zwaved/internal/logging"
	"github.com/gozwave/zwaved/internal/message"
	"github.com/gozwave/zwaved/internal/metrics"
	"github.com/gozwave/zwaved/internal/node"
	"github.com/gozwave/zwaved/internal/processor"
	"github.com/gozwave/zwaved/internal/queue"
	"github.com/gozwave/zwaved/internal/receiver"
	"github.com/gozwave/zwaved/internal/serialport"
	"github.com/gozwave/zwaved/internal/watchdog"
)

// QueueCapacityHint is the default initial queue capacity (spec.md §6).
const QueueCapacityHint = 128

// Controller is the public façade over the driver (spec.md §4.6).
type Controller struct {
	mu     sync.Mutex
	portName string

	queue      *queue.Queue
	nodes      *node.Registry
	events     *events.Bus
	state      *processor.State
	processors *processor.Registry

	link     *serialport.Link
	eng      *engine.Engine
	recv     *receiver.ReceiveLoop
	watchdog *watchdog.Watchdog

	engWg  sync.WaitGroup
	recvWg sync.WaitGroup

	callbackIds callbackIdState

	connected bool
	logger    *slog.Logger
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger overrides the package-global logger for this controller's
// lifetime messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithProcessorRegistry overrides the default built-in registry, e.g. to
// register additional command-class MessageProcessors.
func WithProcessorRegistry(r *processor.Registry) Option {
	return func(c *Controller) { c.processors = r }
}

// New constructs an unconnected Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		queue:      queue.New(QueueCapacityHint),
		nodes:      node.NewRegistry(),
		events:     events.NewBus(),
		state:      &processor.State{},
		processors: processor.NewRegistry(),
		logger:     logging.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrNotConnected is returned by commands issued before Connect.
var ErrNotConnected = errors.New("controller: not connected")

// ErrAlreadyConnected is returned by Connect when already connected.
var ErrAlreadyConnected = errors.New("controller: already connected")

// Connect opens portName and starts the engine worker, receive loop, and
// watchdog (spec.md §4.6 "connect(portName)").
func (c *Controller) Connect(portName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrAlreadyConnected
	}

	sessionId := uuid.New().String()
	log := c.logger.With(slog.String("session", sessionId), slog.String("port", portName))

	link, err := serialport.Open(portName)
	if err != nil {
		metrics.IncError(metrics.ErrPortUnavailable)
		return fmt.Errorf("controller: open %s: %w", portName, err)
	}

	c.portName = portName
	c.link = link
	c.logger = log

	c.eng = engine.New(c.queue, c.link, c.processors, c.nodes, c.events, c.state)
	c.recv = receiver.New(c.link, c.eng)

	c.engWg.Add(1)
	go func() {
		defer c.engWg.Done()
		if err := c.eng.Run(); err != nil {
			log.Warn("engine_stopped", slog.String("error", err.Error()))
		}
	}()
	c.recvWg.Add(1)
	go func() {
		defer c.recvWg.Done()
		if err := c.recv.Run(); err != nil {
			log.Warn("receiver_stopped", slog.String("error", err.Error()))
		}
	}()

	c.watchdog = watchdog.New(c.nodes, c.queue, c.events, c.state, c.loopsAlive, c.reconnect)
	go c.watchdog.Run()

	c.connected = true
	log.Info("controller_connected")
	return nil
}

// loopsAlive reports whether both long-lived goroutines are still running,
// used by the Watchdog's liveness check (spec.md §4.7 duty 1).
func (c *Controller) loopsAlive() bool {
	engDone := make(chan struct{})
	go func() { c.engWg.Wait(); close(engDone) }()
	recvDone := make(chan struct{})
	go func() { c.recvWg.Wait(); close(recvDone) }()
	select {
	case <-engDone:
		return false
	case <-recvDone:
		return false
	default:
		return true
	}
}

// reconnect closes and reopens the link on the same port name and restarts
// both loops (spec.md §4.7 duty 1).
func (c *Controller) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}

	_ = c.link.Close()
	c.eng.Stop()
	c.recv.Stop()
	c.engWg.Wait()
	c.recvWg.Wait()

	link, err := serialport.Open(c.portName)
	if err != nil {
		return err
	}
	c.link = link
	c.queue.Reopen()
	c.eng = engine.New(c.queue, c.link, c.processors, c.nodes, c.events, c.state)
	c.recv = receiver.New(c.link, c.eng)

	c.engWg.Add(1)
	go func() {
		defer c.engWg.Done()
		if err := c.eng.Run(); err != nil {
			c.logger.Warn("engine_stopped", slog.String("error", err.Error()))
		}
	}()
	c.recvWg.Add(1)
	go func() {
		defer c.recvWg.Done()
		if err := c.recv.Run(); err != nil {
			c.logger.Warn("receiver_stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Close is idempotent: it stops both loops and the watchdog, closes the
// port, and clears the queue, node table, and event listeners (spec.md §9
// "close() clears all listeners unconditionally").
func (c *Controller) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	wd, eng, recv, link := c.watchdog, c.eng, c.recv, c.link
	c.mu.Unlock()

	// wd.Stop() must run without holding c.mu: the watchdog's own
	// reconnect() takes the same lock, and it bails out as soon as it
	// observes c.connected == false above.
	wd.Stop()
	eng.Stop()
	recv.Stop()
	c.engWg.Wait()
	c.recvWg.Wait()
	err := link.Close()

	c.queue.Clear()
	c.nodes.Clear()
	c.events.Clear()
	return err
}

// IsConnected reports link-up-and-initialization-complete (spec.md §4.6).
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return false
	}
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.InitializationComplete
}

// --- Queries (spec.md §4.6) ---

func (c *Controller) OwnNodeId() byte {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.OwnNodeId
}

func (c *Controller) HomeId() uint32 {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.HomeId
}

func (c *Controller) SerialApiVersion() string {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.SerialApiVersion
}

func (c *Controller) LibraryType() byte {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.LibraryType
}

func (c *Controller) ManufacturerId() uint16 {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.ManufacturerId
}

func (c *Controller) DeviceId() uint16 {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.DeviceId
}

func (c *Controller) DeviceType() uint16 {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.DeviceType
}

func (c *Controller) SendQueueLength() int { return c.queue.Len() }

func (c *Controller) Counters() metrics.Snapshot { return metrics.Snap() }

// --- Commands (spec.md §4.6) ---

// Initialize enqueues the three-step handshake; SerialApiGetInitData is
// chained automatically from the Capabilities response processor (spec.md
// §4.6 step 3).
func (c *Controller) Initialize() {
	c.queue.Put(message.New(message.ClassGetVersion, message.Request, message.PriorityHigh, nil))
	c.queue.Put(message.New(message.ClassMemoryGetId, message.Request, message.PriorityHigh, nil))
	c.queue.Put(message.New(message.ClassSerialApiGetCapabilities, message.Request, message.PriorityHigh, nil))
}

func (c *Controller) IdentifyNode(nodeId byte) {
	m := message.New(message.ClassIdentifyNode, message.Request, message.PriorityGet, []byte{nodeId})
	m.TargetNodeId = nodeId
	c.queue.Put(m)
}

func (c *Controller) RequestNodeInfo(nodeId byte) {
	m := message.New(message.ClassRequestNodeInfo, message.Request, message.PriorityGet, []byte{nodeId})
	m.TargetNodeId = nodeId
	c.queue.Put(m)
}

func (c *Controller) RequestNodeRoutingInfo(nodeId byte) {
	m := message.New(message.ClassGetRoutingInfo, message.Request, message.PriorityGet, []byte{nodeId})
	m.TargetNodeId = nodeId
	c.queue.Put(m)
}

func (c *Controller) RequestNodeNeighborUpdate(nodeId byte) {
	m := message.New(message.ClassRequestNodeNeighborUpdate, message.Request, message.PrioritySet, []byte{nodeId})
	m.TargetNodeId = nodeId
	c.queue.Put(m)
}

func (c *Controller) RequestAddNodesStart() {
	c.queue.Put(message.New(message.ClassAddNode, message.Request, message.PriorityHigh, []byte{0x01}))
}

func (c *Controller) RequestAddNodesStop() {
	c.queue.Put(message.New(message.ClassAddNode, message.Request, message.PriorityHigh, []byte{0x05}))
}

func (c *Controller) RequestRemoveFailedNode(nodeId byte) {
	m := message.New(message.ClassRemoveFailedNode, message.Request, message.PrioritySet, []byte{nodeId})
	m.TargetNodeId = nodeId
	c.queue.Put(m)
}

func (c *Controller) RequestDeleteAllReturnRoutes(nodeId byte) {
	m := message.New(message.ClassDeleteReturnRoute, message.Request, message.PrioritySet, []byte{nodeId})
	m.TargetNodeId = nodeId
	c.queue.Put(m)
}

func (c *Controller) RequestAssignReturnRoute(src, dst byte) {
	m := message.New(message.ClassAssignReturnRoute, message.Request, message.PrioritySet, []byte{src, dst})
	m.TargetNodeId = src
	c.queue.Put(m)
}

// RequestAssignSucReturnRoute assigns a return route to the SUC for src.
// Distinct from SoftReset (spec.md §9: the source conflated these two
// under one name; this driver keeps them separate operations).
func (c *Controller) RequestAssignSucReturnRoute(src byte) {
	m := message.New(message.ClassAssignSucReturnRoute, message.Request, message.PrioritySet, []byte{src})
	m.TargetNodeId = src
	c.queue.Put(m)
}

// SoftReset issues a Serial API Soft Reset (spec.md §9).
func (c *Controller) SoftReset() {
	c.queue.Put(message.New(message.ClassSerialApiSoftReset, message.Request, message.PriorityHigh, nil))
}

// callbackIdState tracks the wrapping 1..255 callback id counter (spec.md
// §3: "never emits 0; wraps 255->1").
type callbackIdState struct {
	mu      sync.Mutex
	current byte
}

func (s *callbackIdState) next() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
	if s.current == 0 {
		s.current = 1
	}
	return s.current
}

// SendData builds, annotates, and enqueues a SendData request (spec.md
// §4.6). The message always goes onto the main send queue; SendData itself
// does no wake-up check. If the target node is asleep when the engine takes
// the message, the engine moves it to the node's wake-up queue instead of
// transmitting it.
func (c *Controller) SendData(targetNodeId byte, payload []byte, priority message.Priority) error {
	m := message.New(message.ClassSendData, message.Request, priority, payload)
	m.TargetNodeId = targetNodeId
	m.TransmitOptions = message.StandardSendOptions
	m.CallbackId = c.callbackIds.next()

	if n := c.nodes.Get(targetNodeId); n != nil {
		n.SendCount++
	}

	c.queue.Put(m)
	return nil
}

// AddEventListener registers a Sink for emitted events (spec.md §4.6).
func (c *Controller) AddEventListener(s events.Sink) { c.events.Add(s) }

// RemoveEventListener unregisters a Sink.
func (c *Controller) RemoveEventListener(s events.Sink) { c.events.Remove(s) }

// Nodes returns a snapshot of every known node.
func (c *Controller) Nodes() []*node.Node { return c.nodes.Snapshot() }
