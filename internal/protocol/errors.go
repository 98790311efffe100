package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage    = errors.New("protocol: invalid message")
	ErrInvalidEndToken   = errors.New("protocol: invalid end token")
	ErrInvalidChecksum   = errors.New("protocol: invalid checksum")
	ErrInvalidLength     = errors.New("protocol: invalid data length")
	ErrUnknownActionType = errors.New("protocol: unknown action type")
	ErrMessageTooLarge   = errors.New("protocol: message too large")
)

// RemoteError is an error Action received from a peer hop.
type RemoteError struct {
	Msg      string
	Severity int
}

func (e *RemoteError) Error() string {
	if e.Severity > 0 {
		return fmt.Sprintf("remote error (severity %d): %s", e.Severity, e.Msg)
	}
	return "remote error: " + e.Msg
}
