package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed fails every request still open when a connection
	// goes away.
	ErrConnectionClosed  = errors.New("connection closed")
	ErrProtocolViolation = errors.New("protocol violation")
)

// StatusError is a non-200 response.
type StatusError struct {
	Code int16
	Text string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Text, e.Code)
}
