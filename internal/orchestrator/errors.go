package orchestrator

import (
	"errors"
	"fmt"

	"github.com/botvisor/botvisor/internal/broker"
)

var (
	ErrDuplicateName = errors.New("bot name already in use")
	ErrNotFound      = errors.New("bot not found")
	ErrInvalidConfig = errors.New("invalid deploy request")
	ErrShutdown      = errors.New("orchestrator shut down")
)

// ErrorKind classifies a failed operation.
type ErrorKind string

const (
	KindConfig           ErrorKind = "ConfigError"
	KindRuntime          ErrorKind = "RuntimeError"
	KindBrokerDisconnect ErrorKind = "BrokerDisconnect"
	KindPersistence      ErrorKind = "PersistenceError"
	KindArchival         ErrorKind = "ArchivalError"
	KindNotFound         ErrorKind = "NotFound"
	KindDuplicateName    ErrorKind = "DuplicateName"
	KindUnavailable      ErrorKind = "Unavailable"
)

// Error is returned by every failed Deploy and Stop. State is the bot's
// lifecycle state after the failure.
type Error struct {
	Bot    string
	State  State
	Kind   ErrorKind
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("bot %s: %s", e.Bot, e.Kind)
	if e.State != "" {
		msg += " (state " + string(e.State) + ")"
	}
	if e.Reason != ReasonNone {
		msg += " reason " + string(e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an orchestrator error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// classify maps an attach failure onto an error kind: the broker or the store.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, broker.ErrDisconnected), errors.Is(err, broker.ErrClosed):
		return KindBrokerDisconnect
	}
	return KindPersistence
}
