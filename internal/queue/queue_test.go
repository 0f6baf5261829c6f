package queue

import (
	"testing"
	"time"

	"github.com/gozwave/zwaved/internal/message"
)

func TestTake_OrdersByPriorityThenFIFO(t *testing.T) {
	q := New(8)
	low := message.New(message.ClassSendData, message.Request, message.PriorityLow, nil)
	get1 := message.New(message.ClassGetVersion, message.Request, message.PriorityGet, nil)
	get2 := message.New(message.ClassMemoryGetId, message.Request, message.PriorityGet, nil)
	high := message.New(message.ClassSendDataAbort, message.Request, message.PriorityHigh, nil)

	q.Put(low)
	q.Put(get1)
	q.Put(get2)
	q.Put(high)

	order := []*message.Message{}
	for i := 0; i < 4; i++ {
		m, ok := q.Take()
		if !ok {
			t.Fatalf("expected Take to succeed")
		}
		order = append(order, m)
	}
	if order[0] != high {
		t.Fatalf("expected High priority message first, got class %v", order[0].Class)
	}
	if order[1] != get1 || order[2] != get2 {
		t.Fatalf("expected Get-priority messages in FIFO order")
	}
	if order[3] != low {
		t.Fatalf("expected Low priority message last")
	}
}

func TestTake_BlocksUntilAvailable(t *testing.T) {
	q := New(8)
	done := make(chan *message.Message, 1)
	go func() {
		m, _ := q.Take()
		done <- m
	}()

	select {
	case <-done:
		t.Fatalf("Take returned before any message was enqueued")
	case <-time.After(30 * time.Millisecond):
	}

	m := message.New(message.ClassGetVersion, message.Request, message.PrioritySet, nil)
	q.Put(m)

	select {
	case got := <-done:
		if got != m {
			t.Fatalf("Take returned unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatalf("Take did not unblock after Put")
	}
}

func TestPutFront_JumpsQueue(t *testing.T) {
	q := New(8)
	first := message.New(message.ClassSendData, message.Request, message.PriorityGet, nil)
	q.Put(first)
	retry := message.New(message.ClassSendData, message.Request, message.PriorityGet, nil)
	q.PutFront(retry)

	got, ok := q.Take()
	if !ok || got != retry {
		t.Fatalf("expected re-enqueued message to jump ahead of same-priority waiters")
	}
}

func TestHasPriority(t *testing.T) {
	q := New(4)
	if q.HasPriority(message.PriorityLow) {
		t.Fatalf("expected empty queue to report no Low-priority message")
	}
	q.Put(message.New(message.ClassSendData, message.Request, message.PriorityLow, nil))
	if !q.HasPriority(message.PriorityLow) {
		t.Fatalf("expected HasPriority(Low) true after enqueueing a Low message")
	}
}

func TestClose_UnblocksTake(t *testing.T) {
	q := New(4)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()

	select {
	case <-done:
		t.Fatalf("Take returned before Close")
	case <-time.After(20 * time.Millisecond):
	}

	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Take to report ok=false after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("Take did not unblock after Close")
	}
}

func TestClear_EmptiesQueue(t *testing.T) {
	q := New(4)
	q.Put(message.New(message.ClassGetVersion, message.Request, message.PriorityGet, nil))
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after Clear, got %d", q.Len())
	}
}
