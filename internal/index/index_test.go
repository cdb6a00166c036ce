package index

import (
	"bytes"
	"testing"
	"time"

	"github.com/jawr/mxdrop/internal/mailbox"
	"github.com/jhillyerd/enmime"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	i, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { i.Close() })
	return i
}

func buildMessage(t *testing.T, subject string) []byte {
	t.Helper()
	part, err := enmime.Builder().
		From("Alice", "alice@example.com").
		To("Bob", "bob@example.com").
		Subject(subject).
		Text([]byte("hi bob")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var b bytes.Buffer
	if err := part.Encode(&b); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b.Bytes()
}

func TestAddAndList(t *testing.T) {
	i := openTestIndex(t)

	now := time.Now()
	deliveries := []mailbox.Delivery{
		{ID: "b", From: "<a@x>", To: "<bob@y>", Path: "/m/2", Size: 2, Time: now.Add(time.Second)},
		{ID: "a", From: "<a@x>", To: "<bob@y>", Path: "/m/1", Size: 1, Time: now},
		{ID: "c", From: "<a@x>", To: "<carol@y>", Path: "/m/3", Size: 3, Time: now},
	}
	for _, d := range deliveries {
		if err := i.Add(d, []byte("plain\r\n")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	entries, err := i.List("<bob@y>")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "a" || entries[1].ID != "b" {
		t.Errorf("entries not ordered by time: %s, %s", entries[0].ID, entries[1].ID)
	}
	if entries[0].Path != "/m/1" || entries[0].Size != 1 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestListPrefixIsExact(t *testing.T) {
	i := openTestIndex(t)

	if err := i.Add(mailbox.Delivery{ID: "1", To: "bob", Time: time.Now()}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := i.Add(mailbox.Delivery{ID: "2", To: "bobby", Time: time.Now()}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	entries, err := i.List("bob")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "1" {
		t.Errorf("List(bob) = %+v, want only id 1", entries)
	}
}

func TestRecipientWithSeparatorStaysInItsOwnMailbox(t *testing.T) {
	i := openTestIndex(t)

	if err := i.Add(mailbox.Delivery{ID: "1", To: "<b@y>\x00evil", Time: time.Now()}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	entries, err := i.List("<b@y>")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List(<b@y>) = %+v, want nothing", entries)
	}

	// same mailbox as on disk
	entries, err = i.List("<b@y>_evil")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("List(<b@y>_evil) = %+v, want id 1", entries)
	}
}

func TestAddRejectsInvalidRecipient(t *testing.T) {
	i := openTestIndex(t)

	if err := i.Add(mailbox.Delivery{ID: "1", To: "..", Time: time.Now()}, nil); err == nil {
		t.Error("Add accepted a recipient with no mailbox")
	}
	if entries, err := i.List(".."); err != nil || len(entries) != 0 {
		t.Errorf("List(..) = %v, %v", entries, err)
	}
}

func TestListUnknownRecipient(t *testing.T) {
	i := openTestIndex(t)

	entries, err := i.List("nobody")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestSubject(t *testing.T) {
	body := buildMessage(t, "Quarterly report")
	if got := subject(body); got != "Quarterly report" {
		t.Errorf("subject = %q, want %q", got, "Quarterly report")
	}

	i := openTestIndex(t)
	if err := i.Add(mailbox.Delivery{ID: "1", To: "bob@example.com", Time: time.Now()}, body); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entries, err := i.List("bob@example.com")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "Quarterly report" {
		t.Errorf("entries = %+v", entries)
	}
}
