package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeployRequest asks the daemon to start a bot.
type DeployRequest struct {
	Name        string         `json:"bot_name"`
	StrategyRef string         `json:"strategy_ref"`
	Config      map[string]any `json:"config,omitempty"`
}

// StopRequest asks the daemon to stop a bot, optionally archiving the run.
type StopRequest struct {
	Archive bool `json:"archive"`
}

type BotInstance struct {
	Name        string    `json:"bot_name"`
	RunID       string    `json:"run_id"`
	StrategyRef string    `json:"strategy_ref"`
	Image       string    `json:"image"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

type StopResult struct {
	Name  string `json:"bot_name"`
	State string `json:"state"`
}

type ArchiveRecord struct {
	ID         string    `json:"id"`
	Bot        string    `json:"bot_name"`
	RunID      string    `json:"run_id"`
	Location   string    `json:"location"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	EventCount int       `json:"event_count"`
	ArchivedAt time.Time `json:"archived_at"`
}

// BotStatus is one bot's lifecycle report.
type BotStatus struct {
	Name                    string         `json:"bot_name"`
	RunID                   string         `json:"run_id"`
	StrategyRef             string         `json:"strategy_ref,omitempty"`
	Image                   string         `json:"image,omitempty"`
	State                   string         `json:"state"`
	Reason                  string         `json:"reason,omitempty"`
	Error                   string         `json:"error,omitempty"`
	Healthy                 bool           `json:"healthy"`
	LastHeartbeatAgeSeconds *float64       `json:"last_heartbeat_age_seconds"`
	ActiveOrderCount        int            `json:"active_order_count"`
	LastSequence            uint64         `json:"last_sequence"`
	ContainerID             string         `json:"container_id,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
	Archive                 *ArchiveRecord `json:"archive,omitempty"`
	Path                    []string       `json:"path,omitempty"`
}

// LatestState is the per-bot projection folded from status events.
type LatestState struct {
	Bot          string                     `json:"bot_name"`
	RunID        string                     `json:"run_id"`
	LastSequence uint64                     `json:"last_sequence"`
	Fields       map[string]json.RawMessage `json:"fields"`
}

// StatusEvent is one persisted event; Payload is kept verbatim.
type StatusEvent struct {
	Bot        string          `json:"bot_name"`
	RunID      string          `json:"run_id"`
	Sequence   uint64          `json:"sequence_number"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Topic      string          `json:"topic,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

type EventsResponse struct {
	Name   string        `json:"bot_name"`
	RunID  string        `json:"run_id,omitempty"`
	Events []StatusEvent `json:"events"`
}

type ArchivesResponse struct {
	Archives []ArchiveRecord `json:"archives"`
}

type LogsResponse struct {
	Name  string   `json:"bot_name"`
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Name    string `json:"bot_name,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// APIError is returned for non-2xx responses. Kind is the daemon's error
// kind, e.g. "NotFound" or "DuplicateName".
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	Bot        string
	State      string
	Reason     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error %d: %s", e.StatusCode, e.Kind)
	if e.State != "" {
		msg += " (state " + e.State + ")"
	}
	if e.Reason != "" {
		msg += " reason " + e.Reason
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
