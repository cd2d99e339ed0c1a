package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tags a bot status message.
type Kind string

const (
	KindHeartbeat       Kind = "heartbeat"
	KindOrderUpdate     Kind = "order_update"
	KindTradeFill       Kind = "trade_fill"
	KindBalanceSnapshot Kind = "balance_snapshot"
	KindFatalError      Kind = "fatal_error"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrMalformed   = errors.New("malformed event")
)

// ParseKind normalizes a wire kind ("order-update", "Order_Update") to a known Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch k {
	case KindHeartbeat, KindOrderUpdate, KindTradeFill, KindBalanceSnapshot, KindFatalError:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// StatusEvent is one message received from a bot. Sequence is assigned by the
// bot and is monotonic per run. Immutable once persisted.
type StatusEvent struct {
	Bot        string          `json:"bot_name"`
	RunID      string          `json:"run_id"`
	Sequence   uint64          `json:"sequence_number"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Topic      string          `json:"topic,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// wire is the JSON envelope bots publish.
type wire struct {
	Kind    string          `json:"kind"`
	Seq     *uint64         `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a broker message for bot. A missing or zero seq is malformed:
// sequences start at 1. The receipt time is kept at microsecond precision,
// the finest every store backend round-trips.
func Decode(bot string, data []byte, receivedAt time.Time) (StatusEvent, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Seq == nil || *w.Seq == 0 {
		return StatusEvent{}, fmt.Errorf("%w: missing seq", ErrMalformed)
	}
	k, err := ParseKind(w.Kind)
	if err != nil {
		return StatusEvent{}, err
	}
	payload := w.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	return StatusEvent{
		Bot:        bot,
		Sequence:   *w.Seq,
		Kind:       k,
		Payload:    payload,
		ReceivedAt: receivedAt.UTC().Truncate(time.Microsecond),
	}, nil
}

// Encode produces the wire form of a message; used by tests and tooling that
// publish on behalf of a bot.
func Encode(kind Kind, seq uint64, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(wire{Kind: string(kind), Seq: &seq, Payload: raw})
}
