package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/gozwave/zwaved/internal/frame"
	"github.com/gozwave/zwaved/internal/metrics"
	"github.com/gozwave/zwaved/internal/serialport"
)

type fakePort struct {
	mu      sync.Mutex
	in      []byte
	writes  [][]byte
}

func (f *fakePort) feed(b ...byte) {
	f.mu.Lock()
	f.in = append(f.in, b...)
	f.mu.Unlock()
}

func (f *fakePort) ReadByteBlockingOrTimeout() (serialport.ReadByteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) == 0 {
		return serialport.ReadByteResult{Timeout: true}, nil
	}
	b := f.in[0]
	f.in = f.in[1:]
	return serialport.ReadByteResult{Byte: b}, nil
}

func (f *fakePort) WriteAll(b []byte) error {
	cp := append([]byte(nil), b...)
	f.mu.Lock()
	f.writes = append(f.writes, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakePort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakePort) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

type recordingSink struct {
	mu      sync.Mutex
	frames  []frame.Frame
	control []byte
}

func (s *recordingSink) OnFrame(fr frame.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, fr)
	s.mu.Unlock()
}

func (s *recordingSink) OnControlByte(b byte) {
	s.mu.Lock()
	s.control = append(s.control, b)
	s.mu.Unlock()
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) controlCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.control)
}

func TestReceiveLoop_DecodesValidFrameAndAcks(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	r := New(port, sink)
	go r.Run()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond) // let the resync NAK go out first

	fr := frame.Encode(frame.Frame{Type: frame.TypeResponse, Class: 0x15, Payload: []byte{0xAA}})
	port.feed(fr...)

	deadline := time.Now().Add(time.Second)
	for sink.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.frameCount() != 1 {
		t.Fatalf("expected exactly one decoded frame, got %d", sink.frameCount())
	}
	if sink.frames[0].Class != 0x15 {
		t.Fatalf("expected class 0x15, got 0x%02X", sink.frames[0].Class)
	}

	// Last write should be the ACK for the valid frame (after the initial
	// resync NAK).
	if last := port.lastWrite(); len(last) != 1 || last[0] != frame.ACK {
		t.Fatalf("expected an ACK to be written for a valid frame, got %v", last)
	}
}

func TestReceiveLoop_InvalidChecksumDropsSilently(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	r := New(port, sink)
	go r.Run()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)

	fr := frame.Encode(frame.Frame{Type: frame.TypeResponse, Class: 0x15, Payload: []byte{0xAA}})
	fr[len(fr)-1] ^= 0xFF // corrupt the checksum
	port.feed(fr...)

	time.Sleep(100 * time.Millisecond)

	if sink.frameCount() != 0 {
		t.Fatalf("expected no decoded frame for a corrupted checksum, got %d", sink.frameCount())
	}
	// Only the initial resync NAK should have been written; corrupted
	// frames get no ACK.
	if port.writeCount() != 1 {
		t.Fatalf("expected exactly one write (the resync NAK), got %d", port.writeCount())
	}
}

func TestReceiveLoop_ControlBytesDispatchedToSink(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	r := New(port, sink)
	go r.Run()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	port.feed(frame.ACK, frame.NAK, frame.CAN)

	deadline := time.Now().Add(time.Second)
	for sink.controlCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.controlCount() != 3 {
		t.Fatalf("expected 3 control bytes dispatched, got %d", sink.controlCount())
	}
}

func TestReceiveLoop_UnrecognizedByteIncrementsOOFAndSendsNAK(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	r := New(port, sink)
	go r.Run()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	before := metrics.Snap().RxOOF
	port.feed(0x42) // not SOF/ACK/NAK/CAN

	deadline := time.Now().Add(time.Second)
	for port.writeCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if last := port.lastWrite(); len(last) != 1 || last[0] != frame.NAK {
		t.Fatalf("expected a NAK written for an out-of-frame byte, got %v", last)
	}
	if got := metrics.Snap().RxOOF; got != before+1 {
		t.Fatalf("expected the OOF counter to rise by 1, got %d -> %d", before, got)
	}
}

func TestReceiveLoop_StopReturnsPromptly(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	r := New(port, sink)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		if err != ErrStopped {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
