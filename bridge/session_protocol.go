package bridge

import (
	"encoding/json"
	"fmt"
)

// session commands are json text frames.
// A blob is a `blob` command frame followed directly by one binary frame with the payload.
//
// client -> server:
//   {"command": "connect"}
//   {"command": "listen", "address": "/a"}
//   {"command": "message", "address": "/a", "args": [1, "x"]}
//   {"command": "blob", "address": "/a/blob"} + binary frame
// server -> client:
//   {"command": "connect", "status": 0, "userId": "..."}
//   {"command": "connect", "status": 1, "error": "the server is full"}
//   {"command": "listen", "status": 0}
//   {"command": "blob", "status": 0}
//   {"command": "message", "address": "/a", "args": [1, "x"]}
//
// `message` is never replied to. Every other command gets exactly one reply in order.

type SessionCommand string

const (
	SessionCommandConnect SessionCommand = "connect"
	SessionCommandListen  SessionCommand = "listen"
	SessionCommandMessage SessionCommand = "message"
	SessionCommandBlob    SessionCommand = "blob"
)

const (
	SessionStatusOk    = 0
	SessionStatusError = 1
)

type SessionMessage struct {
	Command SessionCommand `json:"command"`
	Address string         `json:"address,omitempty"`
	Args    []any          `json:"args,omitempty"`
	Status  *int           `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
	UserId  string         `json:"userId,omitempty"`
}

func NewSessionReply(command SessionCommand, err error) *SessionMessage {
	status := SessionStatusOk
	message := &SessionMessage{
		Command: command,
		Status:  &status,
	}
	if err != nil {
		status = SessionStatusError
		message.Error = err.Error()
	}
	return message
}

// a missing status is an ok status
func (self *SessionMessage) StatusCode() int {
	if self.Status == nil {
		return SessionStatusOk
	}
	return *self.Status
}

// the reply as a `*CommandError`, or nil for an ok status
func (self *SessionMessage) Err() error {
	if status := self.StatusCode(); status != SessionStatusOk {
		return &CommandError{
			Command: self.Command,
			Status:  status,
			Message: self.Error,
		}
	}
	return nil
}

func EncodeSessionMessage(message *SessionMessage) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeSessionMessage(b []byte) (*SessionMessage, error) {
	var message SessionMessage
	if err := json.Unmarshal(b, &message); err != nil {
		return nil, err
	}
	switch message.Command {
	case SessionCommandConnect, SessionCommandListen, SessionCommandMessage, SessionCommandBlob:
		return &message, nil
	default:
		return nil, fmt.Errorf("%q: %w", message.Command, ErrUnknownCommand)
	}
}
