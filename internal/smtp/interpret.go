package smtp

import (
	"bytes"
	"strings"

	"github.com/jawr/mxdrop/internal/mailbox"
)

// Result is the outcome of interpreting one unit. Message is set when a
// transaction completed and must be handed to the store.
type Result struct {
	Code    Code
	Message *mailbox.Message
}

// Interpret applies one framed unit to the session. Command keywords are
// matched first in every phase, in the order below, and the end of data
// rule last. It never fails: any input it does not recognise gets a 500
// and leaves the session alone.
func Interpret(s *Session, unit []byte) Result {
	line := firstLine(unit)

	switch {
	case hasPrefixFold(line, "HELO"):
		s.resetEnvelope()
		s.phase = PhaseNegotiated
		return Result{Code: CodeOK}

	case hasPrefixFold(line, "MAIL"):
		// a new transaction
		s.From = argument(line, "MAIL", "FROM:")
		s.To = ""
		s.phase = PhaseSenderSet
		return Result{Code: CodeOK}

	case hasPrefixFold(line, "RCPT"):
		s.To = argument(line, "RCPT", "TO:")
		s.phase = PhaseRecipientSet
		return Result{Code: CodeOK}

	case hasPrefixFold(line, "DATA"):
		s.dataRequests++
		s.phase = PhaseReceivingData
		return Result{Code: CodeStartData}

	case hasPrefixFold(line, "HELP"):
		if s.dataRequests > 0 {
			s.dataRequests--
		}
		return Result{Code: CodeHelp}

	case hasPrefixFold(line, "QUIT"):
		s.phase = PhaseClosing
		return Result{Code: CodeClosing}
	}

	return finishData(s, unit)
}

// finishData completes a transaction when unit ends with the end of data
// marker and a DATA is outstanding.
func finishData(s *Session, unit []byte) Result {
	if s.dataRequests == 0 || !isEndOfData(unit) {
		return Result{Code: CodeUnrecognized}
	}

	s.dataRequests--

	msg := mailbox.Message{
		From: s.From,
		To:   s.To,
		Body: unit,
	}

	// the envelope stays until the next MAIL or HELO
	s.phase = PhaseNegotiated

	return Result{Code: CodeOK, Message: &msg}
}

// firstLine is the unit up to its first CRLF. Arguments never span lines.
func firstLine(unit []byte) string {
	if i := bytes.Index(unit, crlf); i >= 0 {
		unit = unit[:i]
	}
	return string(unit)
}

func isEndOfData(unit []byte) bool {
	return bytes.Equal(unit, emptyData) || bytes.Contains(unit, endOfData)
}

func hasPrefixFold(line, prefix string) bool {
	return len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix)
}

// argument returns what follows marker, or everything after the keyword
// when the marker is missing.
func argument(line, keyword, marker string) string {
	rest := line[len(keyword):]
	if i := indexFold(rest, marker); i >= 0 {
		rest = rest[i+len(marker):]
	}
	return strings.TrimSpace(rest)
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}
