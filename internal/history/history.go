package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventTransition EventType = "transition"
	EventArchived   EventType = "archived"
)

// Transition is one lifecycle state change of a bot run.
type Transition struct {
	Bot    string `json:"bot_name"`
	RunID  string `json:"run_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	// Location is set on EventArchived.
	Location string `json:"location,omitempty"`
}

// Key identifies the run the transition belongs to.
func (t Transition) Key() string { return t.Bot + "/" + t.RunID }

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType  `json:"type"`
	OccurredAt time.Time  `json:"occurred_at"`
	Transition Transition `json:"transition"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to each sink. A failing sink does not stop the
// others; the errors are joined.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for i, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the sinks that hold connections.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
