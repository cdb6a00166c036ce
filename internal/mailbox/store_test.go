package mailbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jawr/mxdrop/internal/cache"
	"github.com/pkg/errors"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func readMailbox(t *testing.T, s *Store, recipient string) map[string][]byte {
	t.Helper()
	dir := filepath.Join(s.Root(), recipient)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir %s: %v", dir, err)
	}
	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		files[e.Name()] = b
	}
	return files
}

func TestDeliverStripsTerminator(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Deliver(Message{
		From: "<a@x>",
		To:   "<b@y>",
		Body: []byte("hello world\r\n.\r\n"),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	files := readMailbox(t, s, "<b@y>")
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}

	name := filepath.Base(d.Path)
	if !strings.HasPrefix(name, "<a@x>_") || !strings.HasSuffix(name, ".txt") {
		t.Errorf("file name = %q, want <a@x>_<id>.txt", name)
	}
	if got := string(files[name]); got != "hello world\r\n" {
		t.Errorf("body = %q, want %q", got, "hello world\r\n")
	}
	if d.Size != len("hello world\r\n") {
		t.Errorf("Size = %d", d.Size)
	}
	if d.ID == "" || d.Time.IsZero() {
		t.Errorf("delivery missing id or time: %+v", d)
	}
}

func TestDeliverKeepTerminator(t *testing.T) {
	s := newTestStore(t, WithKeepTerminator(true))

	d, err := s.Deliver(Message{From: "<a@x>", To: "<b@y>", Body: []byte("hello world\r\n.\r\n")})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	b, err := os.ReadFile(d.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "hello world\r\n.\r\n" {
		t.Errorf("body = %q, want terminator kept", b)
	}
}

func TestStripTerminator(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello\r\n.\r\n", "hello\r\n"},
		{"a\r\nb\r\n.\r\n", "a\r\nb\r\n"},
		{".\r\n", ""},
		{"no terminator", "no terminator"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripTerminator([]byte(tt.in)); string(got) != tt.want {
			t.Errorf("StripTerminator(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeliverUniqueNames(t *testing.T) {
	s := newTestStore(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		d, err := s.Deliver(Message{From: "a", To: "b", Body: []byte("x\r\n.\r\n")})
		if err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
		if seen[d.Path] {
			t.Fatalf("duplicate path %s", d.Path)
		}
		seen[d.Path] = true
	}

	if files := readMailbox(t, s, "b"); len(files) != 100 {
		t.Errorf("got %d files, want 100", len(files))
	}
}

func TestDeliverConcurrentSameRecipient(t *testing.T) {
	dirs, err := cache.NewCache(time.Minute)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer dirs.Close()

	s := newTestStore(t, WithDirCache(dirs))

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := bytes.Repeat([]byte{byte('a' + i%26)}, 4096)
			body = append(body, terminator...)
			if _, err := s.Deliver(Message{From: "<s@x>", To: "<shared@y>", Body: body}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Deliver: %v", err)
	}

	files := readMailbox(t, s, "<shared@y>")
	if len(files) != n {
		t.Fatalf("got %d files, want %d", len(files), n)
	}
	for name, b := range files {
		want := bytes.Repeat(b[:1], 4096)
		want = append(want, '\r', '\n')
		if !bytes.Equal(b, want) {
			t.Errorf("%s: body interleaved or truncated", name)
		}
	}
}

func TestDeliverRecreatesRemovedMailbox(t *testing.T) {
	dirs, err := cache.NewCache(time.Minute)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer dirs.Close()

	s := newTestStore(t, WithDirCache(dirs))

	if _, err := s.Deliver(Message{From: "a", To: "gone", Body: []byte("1\r\n.\r\n")}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(s.Root(), "gone")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := s.Deliver(Message{From: "a", To: "gone", Body: []byte("2\r\n.\r\n")}); err != nil {
		t.Fatalf("Deliver after removal: %v", err)
	}
}

func TestDeliverRejectsUnsafeRecipient(t *testing.T) {
	s := newTestStore(t)

	for _, to := range []string{"", "   ", ".", ".."} {
		_, err := s.Deliver(Message{From: "a", To: to, Body: []byte("x\r\n.\r\n")})
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			t.Errorf("Deliver(To=%q) err = %v, want *DeliveryError", to, err)
		}
	}
}

func TestDeliverDirectoryFailure(t *testing.T) {
	s := newTestStore(t)

	// a file where the mailbox directory should go
	blocker := filepath.Join(s.Root(), "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := s.Deliver(Message{From: "a", To: "blocked", Body: []byte("x\r\n.\r\n")})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *DeliveryError", err)
	}
	if derr.Recipient != "blocked" {
		t.Errorf("Recipient = %q", derr.Recipient)
	}
}

func TestMailboxName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"<b@y>", "<b@y>", false},
		{"  <b@y>  ", "<b@y>", false},
		{"../../etc", ".._.._etc", false},
		{"a/b\\c", "a_b_c", false},
		{"..", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := MailboxName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("MailboxName(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("MailboxName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSenderName(t *testing.T) {
	if got := senderName(""); got != unknownSender {
		t.Errorf("senderName(\"\") = %q", got)
	}
	if got := senderName("a/b"); got != "a_b" {
		t.Errorf("senderName(a/b) = %q", got)
	}
}
