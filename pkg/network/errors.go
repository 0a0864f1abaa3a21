package network

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidConnection = errors.New("connection is not open")
	ErrRequestTimeout    = errors.New("request timed out")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrPacketCanceled    = errors.New("packet was canceled by a listener")
	ErrDuplicateRequest  = errors.New("request id is already pending")
	ErrNoHandshake       = errors.New("no encryption handshake in progress")
)

// CommandError is returned to a request the client answered with an error
// purpose frame.
type CommandError struct {
	RequestID     string
	StatusCode    int
	StatusMessage string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed with status %d: %s", e.StatusCode, e.StatusMessage)
}
