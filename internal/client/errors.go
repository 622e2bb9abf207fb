package client

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrHandshake      = errors.New("broker did not acknowledge the connection")
	ErrNoConversation = errors.New("no conversation is open")
)

// PersistError is returned when a send could not be stored. The optimistic
// entry has already been removed; Body is handed back for a retry.
type PersistError struct {
	Body      string
	ClientRef string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("message not sent: %v", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a failed dial, handshake or mid-session drop. It is
// only ever surfaced through Open; later drops show up as a status change.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx REST reply.
type APIError struct {
	StatusCode int    `json:"code"`
	Status     string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Status, e.Message)
}
