// Package serialport owns the byte transport to the Z-Wave stick: opening
// the port at 115200-8N1, reading single bytes with a timeout, and
// serializing writes across concurrent callers (spec.md §4.2).
package serialport

import (
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability, following the teacher's
// internal/serial.Port shape.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const (
	// Baud is the fixed Z-Wave serial API rate (spec.md §4.2, §6).
	Baud = 115200
	// ReceiveTimeout is the inter-byte read timeout (spec.md §4.2, §6).
	ReceiveTimeout = 1000 * time.Millisecond
)

// Open opens name at 115200-8N1 with a one-byte receive threshold and the
// standard inter-byte timeout, then calls exclusiveLock (see lock_linux.go /
// lock_stub.go). On Linux that sets TIOCEXCL only when the port exposes its
// file descriptor, which the tarm/serial port does not, so no exclusive
// lock is taken on the opened stick.
func Open(name string) (*Link, error) {
	cfg := &serial.Config{Name: name, Baud: Baud, ReadTimeout: ReceiveTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	exclusiveLock(p)
	return NewLink(p), nil
}

// Link wraps a Port with the write-side mutex required by spec.md §4.2:
// writeAll is atomic with respect to concurrent writers (the engine
// sending a message, the engine sending SendDataAbort, and the receive
// loop sending ACK/NAK all call WriteAll from different goroutines).
//
// Unlike the teacher's internal/transport.AsyncTx, writes here are
// synchronous rather than queued: spec.md's single-in-flight-transaction
// invariant (§3) means there is never more than one pending write to
// buffer, so a direct mutex-guarded write satisfies the atomicity
// requirement without the fire-and-forget drop semantics AsyncTx needs
// for a high-throughput CAN bus.
type Link struct {
	mu     sync.Mutex
	port   Port
	closed bool
}

// NewLink wraps an already-open Port (used directly by tests with a fake
// Port; production code goes through Open).
func NewLink(p Port) *Link { return &Link{port: p} }

// WriteAll writes b to the wire, serialized against concurrent writers.
func (l *Link) WriteAll(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	_, err := l.port.Write(b)
	return err
}

// ReadByteResult is the outcome of a single-byte blocking-or-timeout read.
type ReadByteResult struct {
	Byte    byte
	EOF     bool
	Timeout bool
}

// ReadByteBlockingOrTimeout reads exactly one byte, reporting EOF or
// Timeout instead of an error for the two expected non-fatal outcomes
// (spec.md §4.2).
func (l *Link) ReadByteBlockingOrTimeout() (ReadByteResult, error) {
	var buf [1]byte
	n, err := l.port.Read(buf[:])
	if n == 1 {
		return ReadByteResult{Byte: buf[0]}, nil
	}
	if err == nil {
		// tarm/serial reports a timed-out read as (0, nil).
		return ReadByteResult{Timeout: true}, nil
	}
	if isEOF(err) {
		return ReadByteResult{EOF: true}, nil
	}
	return ReadByteResult{}, err
}

// Close is idempotent (spec.md §4.2).
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}
