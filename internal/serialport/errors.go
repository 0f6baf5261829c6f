package serialport

import (
	"errors"
	"io"
)

// errClosed is returned by WriteAll after Close.
var errClosed = errors.New("serialport: link closed")

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
