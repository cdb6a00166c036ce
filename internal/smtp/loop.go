package smtp

import (
	"context"
	"io"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"
)

var errAlreadyServing = errors.New("server already serving")

type eventKind int

const (
	eventAccept eventKind = iota
	eventAcceptError
	eventRead
	eventReadError
	eventWriteError
)

type event struct {
	kind    eventKind
	conn    net.Conn
	session *Session
	data    []byte
	err     error
}

func (s *Server) loop(ctx context.Context) error {
	defer s.shutdown()

	var sweep <-chan time.Time
	if s.idleTimeout > 0 {
		interval := s.idleTimeout / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-sweep:
			s.sweep(now)

		case e := <-s.events:
			if err := s.handle(e); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handle(e event) error {
	switch e.kind {
	case eventAccept:
		s.open(e.conn)

	case eventAcceptError:
		return &ListenerError{Addr: s.addr, Err: e.err}

	case eventRead:
		if !s.live(e.session) {
			return nil
		}
		e.session.lastActive = time.Now()
		e.session.buf = append(e.session.buf, e.data...)
		s.process(e.session)

	case eventReadError:
		if !s.live(e.session) {
			return nil
		}
		if e.err == io.EOF {
			log.Printf("%s - Read - client went away", e.session)
		} else {
			log.Printf("%s - Read - %s", e.session, &TransportError{Op: "read", Err: e.err})
		}
		s.drop(e.session)

	case eventWriteError:
		if !s.live(e.session) {
			return nil
		}
		log.Printf("%s - Write - %s", e.session, &TransportError{Op: "write", Err: e.err})
		s.drop(e.session)
	}

	return nil
}

// live reports whether the session is still open. Events for discarded
// sessions can still be in flight and are ignored.
func (s *Server) live(session *Session) bool {
	current, ok := s.sessions[session.ID]
	return ok && current == session
}

func (s *Server) open(conn net.Conn) {
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		log.Printf("Accept - %s - rejected, %d sessions open", conn.RemoteAddr(), len(s.sessions))
		s.counters.SessionRejected()
		go func() {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.Write(CodeNotAvailable.Bytes())
			conn.Close()
		}()
		return
	}

	session, err := newSession(conn)
	if err != nil {
		log.Printf("Accept - %s - unable to create session: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	s.sessions[session.ID] = session
	s.counters.SessionOpened()

	log.Printf("%s - Accept - %s", session, session.RemoteAddr)

	go s.writeLoop(session)
	s.reply(session, CodeServiceReady)
	go s.readLoop(session)
}

// process interprets every complete unit in the session's buffer, queuing
// each reply before the next unit is framed.
func (s *Server) process(session *Session) {
	for s.live(session) {
		f := session.next(s.maxLineLength, s.maxMessageSize)
		if f.empty() {
			return
		}

		session.consume(f.n)

		if f.err != nil {
			log.Printf("%s - Frame - %s", session, f.err)
			if !session.discarding {
				s.reply(session, CodeUnrecognized)
			}
			session.discarding = f.resync
			if !f.resync && session.receivingData() {
				session.abortData()
			}
			continue
		}

		if f.unit == nil {
			continue
		}

		result := Interpret(session, f.unit)

		code := result.Code
		if result.Message != nil {
			code = s.deliver(session, result)
		}

		if code == CodeOK {
			switch session.phase {
			case PhaseSenderSet:
				log.Printf("%s - Mail - From '%s'", session, session.From)
			case PhaseRecipientSet:
				log.Printf("%s - Rcpt - To '%s'", session, session.To)
			}
		}

		s.reply(session, code)

		if code.Terminates() {
			s.close(session)
			return
		}
	}
}

func (s *Server) deliver(session *Session, result Result) Code {
	start := time.Now()

	d, err := s.store.Deliver(*result.Message)
	if err != nil {
		log.Printf("%s - Data - Deliver: %s", session, err)
		s.counters.DeliveryFailed()
		return CodeTransactionFailed
	}

	s.counters.Delivered()

	log.Printf("%s - Data - wrote %d bytes to '%s' in %s", session, d.Size, d.Path, time.Since(start))

	// framed units are never written to again, so body can be shared
	s.handleDelivered(*d, result.Message.Body)

	return CodeOK
}

func (s *Server) reply(session *Session, code Code) {
	if !session.out.push(code.Bytes()) {
		log.Printf("%s - Reply - %s dropped, connection closing", session, code)
	}
}

// close discards the session once its queued replies are written.
func (s *Server) close(session *Session) {
	delete(s.sessions, session.ID)
	session.closeAfterFlush()
	s.counters.SessionClosed()
	log.Printf("%s - Close - after %s", session, time.Since(session.start))
	session.reset()
}

// drop discards the session and closes its connection at once.
func (s *Server) drop(session *Session) {
	delete(s.sessions, session.ID)
	session.hangup()
	s.counters.SessionClosed()
	log.Printf("%s - Drop - after %s", session, time.Since(session.start))
	session.reset()
}

func (s *Server) sweep(now time.Time) {
	for _, session := range s.sessions {
		if now.Sub(session.lastActive) < s.idleTimeout {
			continue
		}
		log.Printf("%s - Idle - no input for %s", session, now.Sub(session.lastActive))
		s.counters.SessionTimedOut()
		s.reply(session, CodeNotAvailable)
		s.close(session)
	}
}

// shutdown stops the accept and reader goroutines and says goodbye to
// every open session.
func (s *Server) shutdown() {
	close(s.done)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	for _, session := range s.sessions {
		s.reply(session, CodeNotAvailable)
		s.close(session)
	}

	log.Printf("Stopped listening on %s", ln.Addr())
}
