package mailbox

import (
	"fmt"
	"time"
)

// Message is a finished transaction handed over at end of data.
// It is not retained once delivered.
type Message struct {
	From string
	To   string
	Body []byte
}

// Delivery describes a message that has been written to disk.
type Delivery struct {
	ID   string
	From string
	To   string
	Path string
	Size int
	Time time.Time
}

// DeliveryError is returned when a message could not be persisted, either
// because the mailbox directory could not be created or the write failed.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to '%s': %s", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
