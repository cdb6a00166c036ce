package smtp

import "strconv"

// Code is a reply code. Every reply is the code, a single space and CRLF.
type Code int

const (
	CodeHelp              Code = 214
	CodeServiceReady      Code = 220
	CodeClosing           Code = 221
	CodeOK                Code = 250
	CodeStartData         Code = 354
	CodeNotAvailable      Code = 421
	CodeUnrecognized      Code = 500
	CodeTransactionFailed Code = 554
)

func (c Code) Bytes() []byte {
	return []byte(strconv.Itoa(int(c)) + " \r\n")
}

func (c Code) String() string { return strconv.Itoa(int(c)) }

// Terminates reports whether the connection closes once this reply is
// written.
func (c Code) Terminates() bool {
	return c == CodeClosing || c == CodeNotAvailable
}
