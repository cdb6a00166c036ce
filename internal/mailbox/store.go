package mailbox

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jawr/mxdrop/internal/cache"
	"github.com/pkg/errors"
	"github.com/speps/go-hashids"
)

const (
	dirCacheNamespace = "mailbox"
	unknownSender     = "unknown"

	// attempts at finding a free file name before giving up
	maxNameAttempts = 8
)

var (
	terminator      = []byte("\r\n.\r\n")
	emptyTerminator = []byte(".\r\n")
)

// Store writes messages into one directory per recipient below root.
// It is safe for concurrent use.
type Store struct {
	root           string
	keepTerminator bool

	ids     *hashids.HashID
	epoch   int64
	counter int64

	dirs   *cache.Cache
	guards sync.Map // mailbox name -> *sync.Mutex
}

type Option func(*Store)

// WithKeepTerminator stores the data unit verbatim, including the
// trailing ".\r\n".
func WithKeepTerminator(keep bool) Option {
	return func(s *Store) { s.keepTerminator = keep }
}

// WithDirCache remembers mailbox directories that are known to exist.
func WithDirCache(c *cache.Cache) Option {
	return func(s *Store) { s.dirs = c }
}

func NewStore(root string, opts ...Option) (*Store, error) {
	if len(root) == 0 {
		root = "."
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.WithMessage(err, "MkdirAll root")
	}

	data := hashids.NewData()
	data.Salt = "mxdrop"
	data.MinLength = 10

	ids, err := hashids.NewWithData(data)
	if err != nil {
		return nil, errors.WithMessage(err, "hashids.NewWithData")
	}

	s := &Store{
		root:  root,
		ids:   ids,
		epoch: time.Now().UnixNano(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Store) Root() string { return s.root }

// Deliver persists msg under its recipient's mailbox with a single
// synchronous write. Existing files are never overwritten.
func (s *Store) Deliver(msg Message) (*Delivery, error) {
	name, err := MailboxName(msg.To)
	if err != nil {
		return nil, &DeliveryError{Recipient: msg.To, Err: err}
	}

	dir := filepath.Join(s.root, name)

	body := msg.Body
	if !s.keepTerminator {
		body = StripTerminator(body)
	}

	if err := s.ensureDir(name, dir); err != nil {
		return nil, &DeliveryError{Recipient: msg.To, Err: err}
	}

	sender := senderName(msg.From)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		id, err := s.nextID()
		if err != nil {
			return nil, &DeliveryError{Recipient: msg.To, Err: err}
		}

		path := filepath.Join(dir, fmt.Sprintf("%s_%s.txt", sender, id))

		err = writeExclusive(path, body)
		switch {
		case err == nil:
			return &Delivery{
				ID:   id,
				From: msg.From,
				To:   msg.To,
				Path: path,
				Size: len(body),
				Time: time.Now(),
			}, nil

		case os.IsExist(err):
			log.Printf("mailbox - Deliver - '%s' exists, retrying", path)
			continue

		case os.IsNotExist(errors.Cause(err)):
			// directory removed underneath a cached entry
			if s.dirs != nil {
				s.dirs.Del(dirCacheNamespace, name)
			}
			if err := s.ensureDir(name, dir); err != nil {
				return nil, &DeliveryError{Recipient: msg.To, Err: err}
			}
			continue

		default:
			return nil, &DeliveryError{Recipient: msg.To, Err: err}
		}
	}

	return nil, &DeliveryError{
		Recipient: msg.To,
		Err:       errors.Errorf("no free file name after %d attempts", maxNameAttempts),
	}
}

// ensureDir creates the mailbox directory if absent. Creation is
// serialised per mailbox.
func (s *Store) ensureDir(name, dir string) error {
	if s.dirs != nil {
		if _, ok := s.dirs.Get(dirCacheNamespace, name); ok {
			return nil
		}
	}

	guard, _ := s.guards.LoadOrStore(name, &sync.Mutex{})
	mu := guard.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.WithMessage(err, "MkdirAll")
	}

	if s.dirs != nil {
		s.dirs.Set(dirCacheNamespace, name, true)
	}

	return nil
}

// ids are unique for the lifetime of the process; the epoch keeps them
// apart across restarts.
func (s *Store) nextID() (string, error) {
	n := atomic.AddInt64(&s.counter, 1)
	id, err := s.ids.EncodeInt64([]int64{s.epoch, n})
	if err != nil {
		return "", errors.WithMessage(err, "EncodeInt64")
	}
	return id, nil
}

func writeExclusive(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return errors.WithMessage(err, "Write")
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.WithMessage(err, "Close")
	}

	return nil
}

// StripTerminator removes the end of data marker from a data unit while
// keeping the CRLF that ends the last line of the body.
func StripTerminator(unit []byte) []byte {
	if bytes.Equal(unit, emptyTerminator) {
		return unit[:0]
	}
	if bytes.HasSuffix(unit, terminator) {
		return unit[:len(unit)-len(emptyTerminator)]
	}
	return unit
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")

// MailboxName maps a recipient to a directory name that cannot escape
// the store root.
func MailboxName(recipient string) (string, error) {
	name := unsafeChars.Replace(strings.TrimSpace(recipient))
	if len(strings.Trim(name, ".")) == 0 {
		return "", errors.Errorf("invalid recipient '%s'", recipient)
	}
	return name, nil
}

func senderName(sender string) string {
	name := unsafeChars.Replace(strings.TrimSpace(sender))
	if len(name) == 0 {
		return unknownSender
	}
	return name
}
