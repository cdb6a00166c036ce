package smtp

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

type Phase int

const (
	PhaseAwaitingGreeting Phase = iota
	PhaseNegotiated
	PhaseSenderSet
	PhaseRecipientSet
	PhaseReceivingData
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingGreeting:
		return "AwaitingGreeting"
	case PhaseNegotiated:
		return "Negotiated"
	case PhaseSenderSet:
		return "SenderSet"
	case PhaseRecipientSet:
		return "RecipientSet"
	case PhaseReceivingData:
		return "ReceivingData"
	case PhaseClosing:
		return "Closing"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Session is the state of one connection. Only the server's event loop
// reads or writes it.
type Session struct {
	start      time.Time
	lastActive time.Time

	ID uuid.UUID

	// connection meta data
	RemoteAddr net.Addr

	// envelope
	From string
	To   string

	conn net.Conn
	out  *outbox

	// bytes read but not yet framed
	buf []byte
	// how far buf has been searched for the end of data marker
	scanned int
	// dropping input until the next terminator after a framing error
	discarding bool

	phase        Phase
	dataRequests int
}

func newSession(conn net.Conn) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	now := time.Now()

	session := Session{
		ID:         id,
		start:      now,
		lastActive: now,
		RemoteAddr: conn.RemoteAddr(),
		conn:       conn,
		out:        newOutbox(),
		phase:      PhaseAwaitingGreeting,
	}

	return &session, nil
}

func (s *Session) String() string {
	return fmt.Sprintf("s-%s", s.ID)
}

func (s *Session) Phase() Phase { return s.phase }

// DataRequests is the number of DATA commands not yet closed by an end of
// data marker.
func (s *Session) DataRequests() int { return s.dataRequests }

func (s *Session) resetEnvelope() {
	s.From = ""
	s.To = ""
}

func (s *Session) receivingData() bool {
	return s.phase == PhaseReceivingData && s.dataRequests > 0
}

// abortData leaves the data phase without delivering anything. The
// envelope is kept for a retried DATA.
func (s *Session) abortData() {
	if s.dataRequests > 0 {
		s.dataRequests--
	}
	s.phase = PhaseNegotiated
}

// consume drops n framed bytes from the front of the buffer.
func (s *Session) consume(n int) {
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	s.scanned = 0
}

// closeAfterFlush closes the connection once every queued reply is
// written.
func (s *Session) closeAfterFlush() {
	s.phase = PhaseClosing
	s.out.closeAfterFlush()
}

// hangup closes the connection straight away, dropping queued replies.
func (s *Session) hangup() {
	s.phase = PhaseClosing
	s.out.abort()
	s.conn.Close()
}

func (s *Session) reset() {
	s.resetEnvelope()
	s.buf = nil
	s.scanned = 0
	s.discarding = false
	s.dataRequests = 0
}
