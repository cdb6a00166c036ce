// Package index keeps a queryable record of every delivered message,
// keyed by recipient, in a badger database next to the mailboxes.
package index

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/jawr/mxdrop/internal/mailbox"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
)

const keyPrefix = "mbox\x00"

type Entry struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject,omitempty"`
	Path    string    `json:"path"`
	Size    int       `json:"size"`
	Time    time.Time `json:"time"`
}

type Index struct {
	db   *badger.DB
	pool sync.Pool
}

// MemoryPath keeps the index in memory.
const MemoryPath = ":memory:"

// Open opens or creates the index at path. An empty path or MemoryPath
// keeps the index in memory.
func Open(path string) (*Index, error) {
	if path == MemoryPath {
		path = ""
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	if len(path) == 0 {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithMessage(err, "badger.Open")
	}

	i := Index{
		db: db,
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}

	return &i, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

// recipientPrefix keys a recipient by its mailbox name, which never holds
// the NUL separator. Recipients sharing a mailbox share an index prefix.
func recipientPrefix(to string) ([]byte, error) {
	name, err := mailbox.MailboxName(to)
	if err != nil {
		return nil, err
	}
	return []byte(keyPrefix + name + "\x00"), nil
}

// Add records a delivery. The body is only inspected for a Subject header;
// bodies that are not MIME simply have none.
func (i *Index) Add(d mailbox.Delivery, body []byte) error {
	entry := Entry{
		ID:      d.ID,
		From:    d.From,
		To:      d.To,
		Subject: subject(body),
		Path:    d.Path,
		Size:    d.Size,
		Time:    d.Time,
	}

	b := i.pool.Get().(*bytes.Buffer)
	defer i.pool.Put(b)
	b.Reset()

	if err := json.NewEncoder(b).Encode(&entry); err != nil {
		return errors.WithMessage(err, "Encode")
	}

	prefix, err := recipientPrefix(d.To)
	if err != nil {
		return errors.WithMessage(err, "recipientPrefix")
	}
	key := append(prefix, d.ID...)

	err = i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b.Bytes())
	})
	if err != nil {
		return errors.WithMessage(err, "Update")
	}

	return nil
}

// List returns every recorded delivery for a recipient, oldest first.
func (i *Index) List(to string) ([]Entry, error) {
	prefix, err := recipientPrefix(to)
	if err != nil {
		// no mailbox can exist for it
		return nil, nil
	}

	var entries []Entry
	err = i.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return errors.WithMessagef(err, "Value '%s'", it.Item().Key())
			}
		}

		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "View")
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Time.Before(entries[b].Time)
	})

	return entries, nil
}

func subject(body []byte) string {
	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return env.GetHeader("Subject")
}
