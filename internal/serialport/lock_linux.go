//go:build linux

package serialport

import (
	"log/slog"

	"github.com/gozwave/zwaved/internal/logging"
	"golang.org/x/sys/unix"
)

// fder is implemented by ports that expose their file descriptor. The
// *serial.Port returned by tarm/serial does not, so for ports opened by
// Open no lock is taken; ports that don't expose a file descriptor are
// silently skipped.
type fder interface {
	Fd() uintptr
}

// exclusiveLock sets TIOCEXCL on the underlying file descriptor so a
// second driver instance cannot simultaneously open the same stick.
// Mirrors the teacher's internal/socketcan/device.go pattern of a
// Linux-only golang.org/x/sys/unix syscall behind a build tag, with
// internal/socketcan/stub.go's non-Linux counterpart in lock_stub.go.
func exclusiveLock(p interface{}) {
	f, ok := p.(fder)
	if !ok {
		return
	}
	if err := unix.IoctlSetInt(int(f.Fd()), unix.TIOCEXCL, 0); err != nil {
		logging.L().Warn("serial_exclusive_lock_failed", slog.String("error", err.Error()))
	}
}
