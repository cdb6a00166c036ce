package smtp

import (
	"sync"
	"time"
)

const readBufferSize = 4096

// outbox holds replies queued by the event loop until the connection's
// writer goroutine gets them onto the wire.
type outbox struct {
	mu      sync.Mutex
	pending []byte
	// close once pending is written
	closing bool
	// nothing more will be written
	aborted bool

	wake chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		wake: make(chan struct{}, 1),
	}
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// push queues b behind anything already pending. It reports false once
// the outbox is closing.
func (o *outbox) push(b []byte) bool {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return false
	}
	o.pending = append(o.pending, b...)
	o.mu.Unlock()

	o.signal()
	return true
}

func (o *outbox) closeAfterFlush() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.signal()
}

func (o *outbox) abort() {
	o.mu.Lock()
	o.closing = true
	o.aborted = true
	o.pending = nil
	o.mu.Unlock()

	o.signal()
}

func (o *outbox) take() (b []byte, closing, aborted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b = o.pending
	o.pending = nil
	return b, o.closing, o.aborted
}

// readLoop hands everything read from the connection to the event loop.
// The buffer belongs to this connection alone; each event carries a copy.
func (srv *Server) readLoop(s *Session) {
	buf := make([]byte, readBufferSize)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !srv.post(event{kind: eventRead, session: s, data: data}) {
				return
			}
		}

		if err != nil {
			srv.post(event{kind: eventReadError, session: s, err: err})
			return
		}
	}
}

// writeLoop writes queued replies in order. conn.Write only returns once
// the whole reply is written or the connection failed, so partial writes
// never reach the event loop.
func (srv *Server) writeLoop(s *Session) {
	out := s.out

	for range out.wake {
		b, closing, aborted := out.take()
		if aborted {
			return
		}

		if len(b) > 0 {
			if srv.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(srv.writeTimeout))
			}

			if _, err := s.conn.Write(b); err != nil {
				s.conn.Close()
				srv.post(event{kind: eventWriteError, session: s, err: err})
				return
			}
		}

		if closing {
			s.conn.Close()
			return
		}
	}
}
