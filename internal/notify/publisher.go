// Package notify announces deliveries on an AMQP queue so other services
// can pick up new mail without watching the mailbox directories.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jawr/mxdrop/internal/mailbox"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

const DefaultBacklog = 1024

var (
	ErrClosed      = errors.New("publisher closed")
	ErrBacklogFull = errors.New("publisher backlog full")
)

// Channel is the part of an amqp channel the Publisher needs. Both
// *amqp.Channel and the reconnecting *rabbitmq.Channel satisfy it.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Event is the JSON body published for each delivery.
type Event struct {
	ID   string    `json:"id"`
	From string    `json:"from"`
	To   string    `json:"to"`
	Path string    `json:"path"`
	Size int       `json:"size"`
	Time time.Time `json:"time"`
}

// Publisher queues events internally so a slow broker never holds up the
// caller.
type Publisher struct {
	ch    Channel
	queue string
	pool  sync.Pool

	pending chan Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewPublisher(ch Channel, queue string, backlog int) *Publisher {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	p := Publisher{
		ch:    ch,
		queue: queue,
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
		pending: make(chan Event, backlog),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go p.run()

	return &p
}

// Add queues a delivery for publishing without blocking.
func (p *Publisher) Add(d mailbox.Delivery) error {
	e := Event{
		ID:   d.ID,
		From: d.From,
		To:   d.To,
		Path: d.Path,
		Size: d.Size,
		Time: d.Time,
	}

	select {
	case <-p.quit:
		return ErrClosed
	default:
	}

	select {
	case p.pending <- e:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Close publishes whatever is still queued and stops the publisher.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)

	for {
		select {
		case e := <-p.pending:
			p.publishLogged(e)

		case <-p.quit:
			for {
				select {
				case e := <-p.pending:
					p.publishLogged(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publishLogged(e Event) {
	if err := p.publish(e); err != nil {
		log.Printf("notify - %s - Publish: %s", e.ID, err)
	}
}

func (p *Publisher) publish(e Event) error {
	b := p.pool.Get().(*bytes.Buffer)
	defer p.pool.Put(b)
	b.Reset()

	if err := json.NewEncoder(b).Encode(&e); err != nil {
		return errors.WithMessage(err, "Encode")
	}

	msg := amqp.Publishing{
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Body:         b.Bytes(),
	}

	err := p.ch.Publish(
		"",
		p.queue,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return errors.WithMessage(err, "Publish")
	}

	return nil
}
