// Package node holds per-node state for the controller: initialization
// stage, liveness bookkeeping, and the wake-up queue for battery-operated
// devices (spec.md §3 Node, §4.7).
package node

import (
	"sync"
	"time"

	"github.com/gozwave/zwaved/internal/message"
)

// Stage is a coarse initialization-progress label (spec.md GLOSSARY).
type Stage int

const (
	StageEmptyNode Stage = iota
	StageProtoInfo
	StageNodeBuildInfo
	StageDone
	StageDead
)

func (s Stage) String() string {
	switch s {
	case StageEmptyNode:
		return "EMPTYNODE"
	case StageProtoInfo:
		return "PROTOINFO"
	case StageNodeBuildInfo:
		return "NODEBUILDINFO"
	case StageDone:
		return "DONE"
	case StageDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Node is the per-device record tracked by the registry.
type Node struct {
	Id                   byte
	HomeId               uint32
	Listening            bool
	FrequentlyListening  bool
	Stage                Stage
	StageEnteredAt       time.Time
	SendCount            uint64
	CommandClasses       map[byte]struct{}

	mu         sync.Mutex
	wakeUpQueue []*message.Message
}

// AlwaysReachable reports whether the node is on the mesh continuously,
// i.e. neither battery-sleeping nor FLiRS (spec.md GLOSSARY "Listening
// node"). Non-listening, non-frequently-listening nodes are the only ones
// subject to the wake-up deferral in engine step 2 and are excluded from
// dead-node checks (spec.md §3).
func (n *Node) AlwaysReachable() bool {
	return n.Listening || n.FrequentlyListening
}

// Terminal reports whether the node has reached a stage the watchdog
// no longer needs to track (spec.md §4.7).
func (n *Node) Terminal() bool {
	return n.Stage == StageDone || n.Stage == StageDead
}

// EnterStage transitions the node to stage s, resetting the stall clock.
func (n *Node) EnterStage(s Stage) {
	n.Stage = s
	n.StageEnteredAt = time.Now()
}

// Enqueue appends m to this node's wake-up queue (engine step 2: the
// message never touches the main send queue while the node is asleep).
func (n *Node) Enqueue(m *message.Message) {
	n.mu.Lock()
	n.wakeUpQueue = append(n.wakeUpQueue, m)
	n.mu.Unlock()
}

// DrainWakeUpQueue removes and returns every message queued for this node,
// in FIFO order, called once the node's WakeUp command class reports it
// awake.
func (n *Node) DrainWakeUpQueue() []*message.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.wakeUpQueue
	n.wakeUpQueue = nil
	return out
}

// Registry holds every known Node, keyed by node id. Created on initial
// SerialApiGetInitData response, destroyed only on controller close
// (spec.md §3).
type Registry struct {
	mu    sync.RWMutex
	nodes map[byte]*Node
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[byte]*Node)}
}

// Add registers a new node, overwriting any prior entry with the same id.
func (r *Registry) Add(n *Node) {
	r.mu.Lock()
	r.nodes[n.Id] = n
	r.mu.Unlock()
}

// Get returns the node with the given id, or nil if unknown.
func (r *Registry) Get(id byte) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// Snapshot returns a slice copy of every known node for safe iteration
// while other goroutines mutate the registry (the watchdog scans while
// sends/receives mutate; mirrors the copy-on-iterate discipline used by
// the event bus's client list).
func (r *Registry) Snapshot() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Count returns the number of known nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Clear removes every node. Called on controller close (spec.md §3
// "destroyed only on controller close").
func (r *Registry) Clear() {
	r.mu.Lock()
	r.nodes = make(map[byte]*Node)
	r.mu.Unlock()
}
