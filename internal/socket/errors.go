package socket

import "errors"

var (
	ErrNotConnected   = errors.New("socket: not connected")
	ErrTimeout        = errors.New("socket: request timed out")
	ErrMissingParams  = errors.New("socket: missing required parameters")
	ErrSendBufferFull = errors.New("socket: send buffer full")
	ErrNoDialer       = errors.New("socket: registry has no dialer")
)

// ServerError carries a rejection message sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}
