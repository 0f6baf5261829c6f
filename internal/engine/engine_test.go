package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/gozwave/zwaved/internal/events"
	"github.com/gozwave/zwaved/internal/frame"
	"github.com/gozwave/zwaved/internal/message"
	"github.com/gozwave/zwaved/internal/node"
	"github.com/gozwave/zwaved/internal/processor"
	"github.com/gozwave/zwaved/internal/queue"
)

type fakeWriter struct {
	mu      sync.Mutex
	frames  [][]byte
	onWrite func(b []byte)
}

func (f *fakeWriter) WriteAll(b []byte) error {
	cp := append([]byte(nil), b...)
	f.mu.Lock()
	f.frames = append(f.frames, cp)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type chanSink struct {
	ch chan events.Event
}

func (s chanSink) OnEvent(e events.Event) { s.ch <- e }

func newHarness(t *testing.T) (*Engine, *fakeWriter, *node.Registry, chan events.Event) {
	t.Helper()
	q := queue.New(8)
	w := &fakeWriter{}
	procs := processor.NewRegistry()
	nodes := node.NewRegistry()
	bus := events.NewBus()
	state := &processor.State{}
	evCh := make(chan events.Event, 8)
	bus.Add(chanSink{ch: evCh})

	e := New(q, w, procs, nodes, bus, state, WithResponseTimeout(200*time.Millisecond), WithCANBackoff(10*time.Millisecond))
	return e, w, nodes, evCh
}

func waitEvent(t *testing.T, ch chan events.Event, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
		return events.Event{}
	}
}

func TestEngine_HappyPathGetVersion(t *testing.T) {
	e, w, _, evCh := newHarness(t)
	go e.Run()
	defer e.Stop()

	w.onWrite = func(b []byte) {
		f, err := frame.Decode(b)
		if err != nil || f.Class != byte(message.ClassGetVersion) {
			return
		}
		go func() {
			payload := append([]byte("6.51.0"), 0x01)
			e.OnFrame(frame.Frame{Type: frame.TypeResponse, Class: byte(message.ClassGetVersion), Payload: payload})
		}()
	}

	e.Submit(message.New(message.ClassGetVersion, message.Request, message.PriorityGet, nil))

	ev := waitEvent(t, evCh, time.Second)
	if ev.Kind != events.TransactionCompleted {
		t.Fatalf("expected TransactionCompleted, got %v", ev.Kind)
	}
	if w.count() != 1 {
		t.Fatalf("expected exactly one frame written, got %d", w.count())
	}
}

func TestEngine_SendDataAsyncCallback(t *testing.T) {
	e, w, nodes, evCh := newHarness(t)
	go e.Run()
	defer e.Stop()

	nodes.Add(&node.Node{Id: 5, Listening: true})

	w.onWrite = func(b []byte) {
		f, err := frame.Decode(b)
		if err != nil || f.Class != byte(message.ClassSendData) {
			return
		}
		go func() {
			e.OnFrame(frame.Frame{Type: frame.TypeResponse, Class: byte(message.ClassSendData), Payload: []byte{0x00}})
			time.Sleep(40 * time.Millisecond)
			e.OnFrame(frame.Frame{Type: frame.TypeRequest, Class: byte(message.ClassSendData), Payload: []byte{1, 0x00}})
		}()
	}

	m := message.New(message.ClassSendData, message.Request, message.PriorityGet, nil)
	m.TargetNodeId = 5
	m.CallbackId = 1
	e.Submit(m)

	ev := waitEvent(t, evCh, time.Second)
	if ev.Kind != events.TransactionCompleted {
		t.Fatalf("expected TransactionCompleted, got %v", ev.Kind)
	}
	if w.count() != 1 {
		t.Fatalf("Response alone must not have triggered a retry/abort write, got %d writes", w.count())
	}
}

func TestEngine_TimeoutSendsAbortAndRetries(t *testing.T) {
	e, w, _, _ := newHarness(t)
	go e.Run()
	defer e.Stop()

	m := message.New(message.ClassSendData, message.Request, message.PriorityGet, nil)
	m.CallbackId = 9
	e.Submit(m)

	// Give the engine time to: write SendData, time out (~200ms), write
	// SendDataAbort, and re-enqueue (attempts 3 -> 2) for a second send,
	// but stop short of the second 200ms timeout window.
	time.Sleep(320 * time.Millisecond)

	if w.count() < 3 {
		t.Fatalf("expected at least 3 writes (SendData, SendDataAbort, retried SendData), got %d", w.count())
	}
	if m.AttemptsRemaining != message.DefaultAttempts-1 {
		t.Fatalf("expected attempts decremented by exactly 1 after one timeout, got %d", m.AttemptsRemaining)
	}
}

func TestEngine_CANStormRequeuesAtHead(t *testing.T) {
	e, w, _, _ := newHarness(t)
	go e.Run()
	defer e.Stop()

	var canCount int
	var mu sync.Mutex
	w.onWrite = func(b []byte) {
		f, err := frame.Decode(b)
		if err != nil || f.Class != byte(message.ClassGetVersion) {
			return
		}
		mu.Lock()
		canCount++
		n := canCount
		mu.Unlock()
		if n <= 3 {
			go e.OnControlByte(frame.CAN)
		} else {
			go func() {
				e.OnFrame(frame.Frame{Type: frame.TypeResponse, Class: byte(message.ClassGetVersion), Payload: append([]byte("1.0"), 0x00)})
			}()
		}
	}

	m := message.New(message.ClassGetVersion, message.Request, message.PriorityGet, nil)
	e.Submit(m)

	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if canCount < 4 {
		t.Fatalf("expected the message to be rewritten after each CAN and finally complete, got %d writes", canCount)
	}
	// AttemptsRemaining must be untouched by CAN re-enqueues (only timeouts
	// and NAKs consume the attempt budget).
	if m.AttemptsRemaining != message.DefaultAttempts {
		t.Fatalf("CAN handling must not consume the attempt budget, got %d", m.AttemptsRemaining)
	}
}

func TestEngine_SleepingNodeDefersToWakeUpQueue(t *testing.T) {
	q := queue.New(8)
	w := &fakeWriter{}
	nodes := node.NewRegistry()
	e := New(q, w, processor.NewRegistry(), nodes, events.NewBus(), &processor.State{}, WithWakeUpChecker(asleepChecker{}))
	go e.Run()
	defer e.Stop()

	n := &node.Node{Id: 7, Listening: false, FrequentlyListening: false}
	nodes.Add(n)

	m := message.New(message.ClassSendData, message.Request, message.PriorityGet, nil)
	m.TargetNodeId = 7
	e.Submit(m)

	time.Sleep(100 * time.Millisecond)

	if w.count() != 0 {
		t.Fatalf("expected no wire write for a deferred sleeping-node message, got %d", w.count())
	}
	drained := n.DrainWakeUpQueue()
	if len(drained) != 1 || drained[0] != m {
		t.Fatalf("expected the message to land on node 7's wake-up queue, got %v", drained)
	}
}

type asleepChecker struct{}

func (asleepChecker) IsAwake(*node.Node) bool { return false }
