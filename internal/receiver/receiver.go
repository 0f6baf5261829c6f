// Package receiver implements the ReceiveLoop: the dedicated reader that
// recognizes ACK/NAK/CAN/SOF on the wire, assembles and validates SOF
// frames, and feeds the TransactionEngine (spec.md §4.5). Its
// read-accumulate-and-recognize shape is grounded on the teacher's serial
// RX goroutine in cmd/can-server/backend_serial.go, adapted from a
// multi-frame streaming decoder to the single-byte-at-a-time state machine
// the Z-Wave control-code protocol requires.
package receiver

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gozwave/zwaved/internal/frame"
	"github.com/gozwave/zwaved/internal/logging"
	"github.com/gozwave/zwaved/internal/metrics"
	"github.com/gozwave/zwaved/internal/serialport"
)

// Port is the minimal read/write contract the ReceiveLoop needs;
// satisfied by *serialport.Link.
type Port interface {
	ReadByteBlockingOrTimeout() (serialport.ReadByteResult, error)
	WriteAll(b []byte) error
}

// Sink receives decoded frames and recognized control bytes; satisfied by
// *engine.Engine.
type Sink interface {
	OnFrame(fr frame.Frame)
	OnControlByte(b byte)
}

// ErrStopped is returned by Run when Stop was called.
var ErrStopped = errors.New("receiver: stopped")

// ReceiveLoop is the single reader goroutine for one serial link.
type ReceiveLoop struct {
	port Port
	sink Sink

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a ReceiveLoop reading from port and dispatching to sink.
func New(port Port, sink Sink) *ReceiveLoop {
	return &ReceiveLoop{port: port, sink: sink, stopCh: make(chan struct{})}
}

// Stop requests Run to return at its next opportunity. Safe to call more
// than once; does not block for Run to actually exit.
func (r *ReceiveLoop) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run transmits a single resynchronizing NAK, then loops reading and
// dispatching bytes until an I/O error, EOF, or Stop (spec.md §4.5). On
// I/O error it returns promptly so the Watchdog can respawn it.
func (r *ReceiveLoop) Run() error {
	if err := r.port.WriteAll([]byte{frame.NAK}); err != nil {
		logging.L().Error("receiver_resync_write_failed", slog.String("error", err.Error()))
		return err
	}

	for {
		b, stopped, err := r.readByte()
		if stopped {
			return ErrStopped
		}
		if err != nil {
			logging.L().Error("receiver_read_failed", slog.String("error", err.Error()))
			return err
		}

		switch b {
		case frame.SOF:
			if err := r.handleSOF(); err != nil {
				if errors.Is(err, ErrStopped) {
					return ErrStopped
				}
				return err
			}
		case frame.ACK:
			metrics.IncRxACK()
			r.sink.OnControlByte(frame.ACK)
		case frame.NAK:
			metrics.IncRxNAK()
			r.sink.OnControlByte(frame.NAK)
		case frame.CAN:
			metrics.IncRxCAN()
			r.sink.OnControlByte(frame.CAN)
		default:
			metrics.IncRxOOF()
			if err := r.port.WriteAll([]byte{frame.NAK}); err != nil {
				logging.L().Warn("receiver_oof_nak_write_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleSOF reads LEN and the LEN further body bytes, decodes, and ACKs or
// silently drops the result (spec.md §4.5).
func (r *ReceiveLoop) handleSOF() error {
	lenByte, stopped, err := r.readByte()
	if stopped {
		return ErrStopped
	}
	if err != nil {
		return err
	}

	body := make([]byte, 0, int(lenByte))
	for i := 0; i < int(lenByte); i++ {
		b, stopped, err := r.readByte()
		if stopped {
			return ErrStopped
		}
		if err != nil {
			return err
		}
		body = append(body, b)
	}

	buf := make([]byte, 0, 2+len(body))
	buf = append(buf, frame.SOF, lenByte)
	buf = append(buf, body...)

	fr, err := frame.Decode(buf)
	if err != nil {
		metrics.IncInvalidFrame()
		logging.L().Warn("receiver_invalid_frame", slog.String("error", err.Error()))
		return nil // no ACK; the stick retransmits on its own timeout
	}

	metrics.IncRxSOF()
	if err := r.port.WriteAll([]byte{frame.ACK}); err != nil {
		logging.L().Warn("receiver_ack_write_failed", slog.String("error", err.Error()))
	}
	r.sink.OnFrame(fr)
	return nil
}

// readByte blocks until a byte arrives, Stop is called, or the port
// reports EOF/error. Timeouts are transparent retries so Stop is observed
// promptly even on an idle line (spec.md §4.2's 1000 ms inter-byte
// timeout bounds the worst-case latency).
func (r *ReceiveLoop) readByte() (b byte, stopped bool, err error) {
	for {
		select {
		case <-r.stopCh:
			return 0, true, nil
		default:
		}
		res, readErr := r.port.ReadByteBlockingOrTimeout()
		if readErr != nil {
			return 0, false, readErr
		}
		if res.EOF {
			return 0, false, io.EOF
		}
		if res.Timeout {
			continue
		}
		return res.Byte, false, nil
	}
}
