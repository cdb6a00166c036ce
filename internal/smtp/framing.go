package smtp

import (
	"bytes"
)

const (
	DefaultMaxLineLength = 4096
)

var (
	crlf      = []byte("\r\n")
	endOfData = []byte("\r\n.\r\n")
	// an empty body: the DATA line supplies the leading CRLF
	emptyData = []byte(".\r\n")
)

type frame struct {
	// unit is a complete command line or data run; nil when n bytes were
	// skipped or more input is needed
	unit []byte
	// n is how many bytes of the buffer the frame used up
	n   int
	err error
	// resync is set with err when the terminator has not been seen yet
	// and input must be discarded until it is
	resync bool
}

func (f frame) empty() bool { return f.n == 0 && f.err == nil }

// nextLine frames one CRLF terminated command line.
func nextLine(buf []byte, maxLine int) frame {
	i := bytes.Index(buf, crlf)
	if i >= 0 {
		n := i + len(crlf)
		if maxLine > 0 && n > maxLine {
			return frame{n: n, err: &FramingError{Reason: "command line too long", Size: n}}
		}
		return frame{unit: buf[:n], n: n}
	}

	if maxLine > 0 && len(buf) > maxLine {
		n := keepPartialTerminator(buf, crlf)
		return frame{n: n, err: &FramingError{Reason: "command line too long", Size: len(buf)}, resync: true}
	}

	return frame{}
}

// nextData frames a message body up to and including the end of data
// marker. from is where the previous search stopped.
func nextData(buf []byte, from, maxMessage int) frame {
	if bytes.HasPrefix(buf, emptyData) {
		return frame{unit: buf[:len(emptyData)], n: len(emptyData)}
	}

	if from > len(endOfData)-1 {
		from -= len(endOfData) - 1
	} else {
		from = 0
	}

	i := bytes.Index(buf[from:], endOfData)
	if i >= 0 {
		n := from + i + len(endOfData)
		if maxMessage > 0 && n > maxMessage+len(endOfData) {
			return frame{n: n, err: &FramingError{Reason: "message too large", Size: n}}
		}
		return frame{unit: buf[:n], n: n}
	}

	if maxMessage > 0 && len(buf) > maxMessage+len(endOfData) {
		n := keepPartialTerminator(buf, endOfData)
		return frame{n: n, err: &FramingError{Reason: "message too large", Size: len(buf)}, resync: true}
	}

	return frame{}
}

// skipUntil discards input up to and including the next terminator.
func skipUntil(buf []byte, terminator []byte) (n int, found bool) {
	i := bytes.Index(buf, terminator)
	if i >= 0 {
		return i + len(terminator), true
	}
	return keepPartialTerminator(buf, terminator), false
}

// keepPartialTerminator returns how much of buf can be dropped while
// keeping any tail that could be the start of terminator.
func keepPartialTerminator(buf, terminator []byte) int {
	for k := len(terminator) - 1; k > 0; k-- {
		if len(buf) >= k && bytes.Equal(buf[len(buf)-k:], terminator[:k]) {
			return len(buf) - k
		}
	}
	return len(buf)
}

// next frames the session's buffered input according to its phase. Input
// is message content only while a DATA is outstanding.
func (s *Session) next(maxLine, maxMessage int) frame {
	data := s.receivingData()

	if s.discarding {
		terminator := crlf
		if data {
			terminator = endOfData
		}

		n, found := skipUntil(s.buf, terminator)
		if found {
			s.discarding = false
			if data {
				s.abortData()
			}
		}
		return frame{n: n}
	}

	if !data {
		return nextLine(s.buf, maxLine)
	}

	f := nextData(s.buf, s.scanned, maxMessage)
	if f.empty() {
		s.scanned = len(s.buf)
	}
	return f
}
