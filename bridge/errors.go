package bridge

import (
	"errors"
	"fmt"
)

// errors.go collects the error values of the bridge package
//
// error type checking:
//   sentinel errors are checked with errors.Is(err, ErrX)
//   peer rejections are checked with errors.As(err, &commandErr)

// used for addresses
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrBlobArgs       = errors.New("blob address requires exactly one []byte argument")
)

// used for the osc transports
var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrMessageTooLarge  = errors.New("message size exceeds the datagram limit")
	ErrFrameTooLarge    = errors.New("frame size exceeds the limit")
	ErrTransportStopped = errors.New("transport stopped")
)

// used for sessions
var (
	ErrNotStarted       = errors.New("client must be started first")
	ErrConnectionClosed = errors.New("connection closed")
	ErrCommandTimeout   = errors.New("timed out waiting for reply")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrServerFull       = errors.New("the server is full")
	ErrNotConnected     = errors.New("connect first")
)

// CommandError is a non-zero status reply from the peer,
// e.g. a connect rejected because the server is full.
type CommandError struct {
	Command SessionCommand
	Status  int
	Message string
}

func (self *CommandError) Error() string {
	return fmt.Sprintf("%s rejected (%d): %s", self.Command, self.Status, self.Message)
}

// ResubscribeError is reported to the protocol error callback when
// a subscription could not be replayed after a reconnect.
type ResubscribeError struct {
	Address string
	Err     error
}

func (self *ResubscribeError) Error() string {
	return fmt.Sprintf("resubscribe %s: %s", self.Address, self.Err)
}

func (self *ResubscribeError) Unwrap() error {
	return self.Err
}
