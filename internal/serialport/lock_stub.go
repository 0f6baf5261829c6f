//go:build !linux

package serialport

// exclusiveLock is a no-op outside Linux: TIOCEXCL has no portable
// equivalent, and spec.md's hard requirements (framing, transactions,
// queueing, watchdog) do not depend on exclusive port access. Mirrors the
// teacher's internal/socketcan/stub.go placeholder-on-unsupported-platform
// pattern.
func exclusiveLock(p interface{}) {}
