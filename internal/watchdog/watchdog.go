// Package watchdog implements the periodic liveness and dead-node checks
// described in spec.md §4.7: respawning the engine/receive-loop pair after
// an I/O exit, and declaring a node DEAD after it stalls in a non-terminal
// stage for too long. Its periodic-ticker shape is grounded on the
// teacher's cmd/can-server/metrics_logger.go ticker loop; reconnect backoff
// uses github.com/cenkalti/backoff (promoted from an indirect dependency)
// instead of re-deriving the teacher's hand-rolled rxBackoffMin/Max
// doubling in cmd/can-server/backend_serial.go.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/gozwave/zwaved/internal/events"
	"github.com/gozwave/zwaved/internal/logging"
	"github.com/gozwave/zwaved/internal/message"
	"github.com/gozwave/zwaved/internal/metrics"
	"github.com/gozwave/zwaved/internal/node"
	"github.com/gozwave/zwaved/internal/processor"
	"github.com/gozwave/zwaved/internal/queue"
)

// Default tunables (spec.md §6).
const (
	Period          = 10 * time.Second
	StageStallLimit = 120 * time.Second
	// reconnectBudget bounds how long a single tick spends retrying a
	// reconnect before giving up until the next tick.
	reconnectBudget = 3 * time.Second
)

// Watchdog runs the periodic checks of spec.md §4.7.
type Watchdog struct {
	period      time.Duration
	stallLimit  time.Duration
	nodes       *node.Registry
	queue       *queue.Queue
	events      *events.Bus
	state       *processor.State

	// isAlive reports whether the engine worker and receive loop are both
	// still running.
	isAlive func() bool
	// reconnect closes and reopens the port and restarts both loops on
	// the same port name. Called (with backoff) when isAlive is false.
	reconnect func() error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Watchdog with the default period and stall threshold.
func New(nodes *node.Registry, q *queue.Queue, bus *events.Bus, state *processor.State, isAlive func() bool, reconnect func() error) *Watchdog {
	return &Watchdog{
		period:     Period,
		stallLimit: StageStallLimit,
		nodes:      nodes,
		queue:      q,
		events:     bus,
		state:      state,
		isAlive:    isAlive,
		reconnect:  reconnect,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// WithPeriod overrides the default 10 s tick period (tests only).
func (w *Watchdog) WithPeriod(d time.Duration) *Watchdog { w.period = d; return w }

// WithStallLimit overrides the default 120 s stage-stall threshold (tests only).
func (w *Watchdog) WithStallLimit(d time.Duration) *Watchdog { w.stallLimit = d; return w }

// Run blocks, ticking every period until Stop is called.
func (w *Watchdog) Run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkLiveness()
			w.CheckForDeadOrSleepingNodes()
		}
	}
}

// Stop requests Run to return and waits for it to do so.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watchdog) checkLiveness() {
	if w.isAlive == nil || w.isAlive() {
		return
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = reconnectBudget
	if err := backoff.Retry(w.reconnect, b); err != nil {
		logging.L().Warn("watchdog_reconnect_failed", slog.String("error", err.Error()))
		metrics.IncError(metrics.ErrPortUnavailable)
		return
	}
	logging.L().Info("watchdog_reconnected")
}

// CheckForDeadOrSleepingNodes implements spec.md §4.7 duty 2. Exported so
// it can also be invoked directly by tests and by higher layers that want
// an out-of-cycle check.
func (w *Watchdog) CheckForDeadOrSleepingNodes() {
	if w.queue.HasPriority(message.PriorityLow) {
		return // a sleeping-node ping is still pending; nothing to conclude
	}

	nodes := w.nodes.Snapshot()
	if len(nodes) == 0 {
		return
	}

	now := time.Now()
	allComplete := true
	var newlyDead []*node.Node
	for _, n := range nodes {
		if n.Terminal() || !n.AlwaysReachable() {
			continue
		}
		if now.Sub(n.StageEnteredAt) >= w.stallLimit {
			n.EnterStage(node.StageDead)
			metrics.IncNodesDead()
			newlyDead = append(newlyDead, n)
			continue
		}
		allComplete = false
	}

	w.state.Lock()
	alreadyComplete := w.state.InitializationComplete
	if allComplete && !alreadyComplete {
		w.state.InitializationComplete = true
	}
	ownNodeId := w.state.OwnNodeId
	w.state.Unlock()

	if allComplete && !alreadyComplete {
		w.events.Emit(events.Event{Kind: events.InitializationCompleted, OwnNodeId: ownNodeId})
	}
	for _, n := range newlyDead {
		w.events.Emit(events.Event{Kind: events.NodeStatus, NodeId: n.Id, State: events.NodeDead})
	}
}
