package tcpserver

import (
	"bufio"
	"errors"
)

// errLineTooLong is returned by readBoundedLine when no '\n' appears
// within max bytes.
var errLineTooLong = errors.New("tcpserver: line exceeds maximum length")

const oversizeLineReply = `{"CMD":"unknown","result":null,"error":"line exceeds maximum length"}` + "\n"

// readBoundedLine reads one '\n'-terminated line (the terminator is
// stripped from the returned string), reading at most one byte at a time
// off the buffered reader so a peer that never sends '\n' cannot grow an
// unbounded buffer. The protocol is low-rate and lines are short, so the
// per-byte call overhead is not a concern.
func readBoundedLine(r *bufio.Reader, max int) (string, error) {
	buf := make([]byte, 0, 256)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return string(buf), nil
		}
		if len(buf) >= max {
			discardUntilNewline(r)
			return "", errLineTooLong
		}
		buf = append(buf, b)
	}
}

// discardUntilNewline drains the remainder of an oversize line so the next
// readBoundedLine call starts at the following record instead of
// resynchronizing mid-line.
func discardUntilNewline(r *bufio.Reader) {
	for {
		b, err := r.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}
