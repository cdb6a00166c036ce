package smtp

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jawr/mxdrop/internal/mailbox"
	"github.com/jawr/mxdrop/internal/metrics"
)

const (
	DefaultAddr         = ":4444"
	DefaultWriteTimeout = time.Minute

	eventBacklog = 256

	DefaultHandlerBacklog = 1024
)

// Deliverer persists a finished message.
type Deliverer interface {
	Deliver(mailbox.Message) (*mailbox.Delivery, error)
}

// DeliveredHandler is called after each successful delivery, in delivery
// order, on a goroutine of its own so it never holds up the event loop.
// body is the data unit as received.
type DeliveredHandler func(d mailbox.Delivery, body []byte)

type delivered struct {
	d    mailbox.Delivery
	body []byte
}

// Server accepts connections and runs every session from a single event
// loop goroutine. Per connection goroutines only move bytes between the
// socket and the loop.
type Server struct {
	addr  string
	store Deliverer

	idleTimeout    time.Duration
	writeTimeout   time.Duration
	maxSessions    int
	maxLineLength  int
	maxMessageSize int

	deliveredHandler DeliveredHandler
	handlerBacklog   int
	// fed by the event loop, drained by runHandler
	handled     chan delivered
	handlerDone chan struct{}

	counters metrics.Counters

	// owned by the event loop
	sessions map[uuid.UUID]*Session

	events chan event
	done   chan struct{}

	mu       sync.Mutex
	listener net.Listener
	serving  bool
}

type Option func(*Server)

// WithIdleTimeout closes sessions that have been silent for d with a 421.
// Zero disables the check.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithWriteTimeout bounds how long a single reply may take to write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithMaxSessions turns away connections beyond n with a 421. Zero means
// unlimited.
func WithMaxSessions(n int) Option {
	return func(s *Server) { s.maxSessions = n }
}

// WithMaxLineLength sets the longest accepted command line including
// CRLF. Zero means unlimited.
func WithMaxLineLength(n int) Option {
	return func(s *Server) { s.maxLineLength = n }
}

// WithMaxMessageSize sets the largest accepted message body. Zero means
// unlimited.
func WithMaxMessageSize(n int) Option {
	return func(s *Server) { s.maxMessageSize = n }
}

func WithDeliveredHandler(h DeliveredHandler) Option {
	return func(s *Server) { s.deliveredHandler = h }
}

// WithHandlerBacklog sets how many deliveries may wait for the delivered
// handler. Deliveries beyond that are logged and not handed to it.
func WithHandlerBacklog(n int) Option {
	return func(s *Server) { s.handlerBacklog = n }
}

func NewServer(addr string, store Deliverer, opts ...Option) *Server {
	if len(addr) == 0 {
		addr = DefaultAddr
	}

	s := &Server{
		addr:           addr,
		store:          store,
		writeTimeout:   DefaultWriteTimeout,
		maxLineLength:  DefaultMaxLineLength,
		handlerBacklog: DefaultHandlerBacklog,
		sessions:       make(map[uuid.UUID]*Session),
		events:         make(chan event, eventBacklog),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.handlerBacklog <= 0 {
		s.handlerBacklog = DefaultHandlerBacklog
	}

	return s
}

// ListenAndServe binds the configured address and serves until ctx is
// done. A failure to bind is returned as a *ListenerError.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &ListenerError{Addr: s.addr, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listener's address, or nil if not serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats is safe to call from any goroutine.
func (s *Server) Stats() metrics.Snapshot {
	return s.counters.Snapshot()
}

// Serve runs the event loop on ln until ctx is done. It closes ln and
// every open session before returning. Serve may only be called once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return &ListenerError{Addr: ln.Addr().String(), Err: errAlreadyServing}
	}
	s.serving = true
	s.listener = ln
	s.mu.Unlock()

	log.Printf("Listening on %s", ln.Addr())

	if s.deliveredHandler != nil {
		s.handled = make(chan delivered, s.handlerBacklog)
		s.handlerDone = make(chan struct{})
		go s.runHandler()

		// everything queued is handled before Serve returns
		defer func() {
			close(s.handled)
			<-s.handlerDone
		}()
	}

	go s.acceptLoop(ln)

	return s.loop(ctx)
}

func (s *Server) runHandler() {
	defer close(s.handlerDone)

	for h := range s.handled {
		s.deliveredHandler(h.d, h.body)
	}
}

// handleDelivered queues d for the delivered handler without blocking.
func (s *Server) handleDelivered(d mailbox.Delivery, body []byte) {
	if s.handled == nil {
		return
	}

	select {
	case s.handled <- delivered{d: d, body: body}:
	default:
		log.Printf("Delivered - handler backlog full, skipping '%s'", d.Path)
	}
}

// post hands an event to the loop. It reports false once the loop has
// stopped.
func (s *Server) post(e event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				log.Printf("Accept - %s; retrying in %s", err, delay)
				time.Sleep(delay)
				continue
			}

			s.post(event{kind: eventAcceptError, err: err})
			return
		}
		delay = 0

		if !s.post(event{kind: eventAccept, conn: conn}) {
			conn.Close()
			return
		}
	}
}
