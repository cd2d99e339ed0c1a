package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field keys of the latest-state projection.
const (
	FieldHeartbeatCount   = "heartbeat:count"
	FieldHeartbeatLastSeq = "heartbeat:last_seq"
	FieldHeartbeatLastAt  = "heartbeat:last_at"
	FieldTradesCount      = "trades:count"
	FieldLastError        = "error:last"

	prefixOrder   = "order:"
	prefixTrade   = "trade:"
	prefixBalance = "balance:"
)

var terminalOrderStatus = map[string]bool{
	"filled":    true,
	"canceled":  true,
	"cancelled": true,
	"rejected":  true,
	"expired":   true,
	"failed":    true,
}

// LatestState is the per-run projection of the event log. It is a pure fold:
// applying the same events in sequence order always yields the same fields.
type LatestState struct {
	Bot          string                     `json:"bot_name"`
	RunID        string                     `json:"run_id"`
	LastSequence uint64                     `json:"last_sequence"`
	Fields       map[string]json.RawMessage `json:"fields"`
}

// NewLatestState returns an empty projection.
func NewLatestState(bot, runID string) *LatestState {
	return &LatestState{Bot: bot, RunID: runID, Fields: map[string]json.RawMessage{}}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *LatestState) Clone() *LatestState {
	if s == nil {
		return nil
	}
	c := &LatestState{Bot: s.Bot, RunID: s.RunID, LastSequence: s.LastSequence, Fields: make(map[string]json.RawMessage, len(s.Fields))}
	for k, v := range s.Fields {
		c.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// Apply folds one event into the projection and returns the keys it changed.
// Events at or below LastSequence are ignored.
func (s *LatestState) Apply(ev StatusEvent) []string {
	if s.Fields == nil {
		s.Fields = map[string]json.RawMessage{}
	}
	if ev.Sequence <= s.LastSequence {
		return nil
	}
	s.LastSequence = ev.Sequence

	var changed []string
	set := func(k string, v json.RawMessage) {
		s.Fields[k] = v
		changed = append(changed, k)
	}

	switch ev.Kind {
	case KindHeartbeat:
		set(FieldHeartbeatCount, itoa(s.count(FieldHeartbeatCount)+1))
		set(FieldHeartbeatLastSeq, itoa(int64(ev.Sequence)))
		at, _ := json.Marshal(ev.ReceivedAt.UTC().Format(time.RFC3339Nano))
		set(FieldHeartbeatLastAt, at)
	case KindOrderUpdate:
		id := payloadString(ev.Payload, "order_id", "client_order_id", "id")
		if id == "" {
			id = "seq-" + strconv.FormatUint(ev.Sequence, 10)
		}
		set(prefixOrder+id, compact(ev.Payload))
	case KindTradeFill:
		id := payloadString(ev.Payload, "trade_id", "id")
		if id == "" {
			id = "seq-" + strconv.FormatUint(ev.Sequence, 10)
		}
		if _, seen := s.Fields[prefixTrade+id]; !seen {
			set(FieldTradesCount, itoa(s.count(FieldTradesCount)+1))
		}
		set(prefixTrade+id, compact(ev.Payload))
	case KindBalanceSnapshot:
		var balances map[string]json.RawMessage
		if json.Unmarshal(ev.Payload, &balances) == nil {
			if inner, ok := balances["balances"]; ok {
				var nested map[string]json.RawMessage
				if json.Unmarshal(inner, &nested) == nil {
					balances = nested
				}
			}
			tokens := make([]string, 0, len(balances))
			for t := range balances {
				tokens = append(tokens, t)
			}
			sort.Strings(tokens)
			for _, t := range tokens {
				set(prefixBalance+t, compact(balances[t]))
			}
		}
	case KindFatalError:
		set(FieldLastError, compact(ev.Payload))
	}
	return changed
}

// Fold replays events in sequence order into a fresh projection. Duplicate
// sequences after the first are skipped.
func Fold(bot, runID string, events []StatusEvent) *LatestState {
	sorted := make([]StatusEvent, len(events))
	copy(sorted, events)
	SortBySequence(sorted)
	st := NewLatestState(bot, runID)
	for _, ev := range sorted {
		st.Apply(ev)
	}
	return st
}

// SortBySequence orders events in place, stable for equal sequences.
func SortBySequence(evs []StatusEvent) {
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Sequence < evs[j].Sequence })
}

// HeartbeatCount reports how many heartbeats were folded.
func (s *LatestState) HeartbeatCount() int64 { return s.count(FieldHeartbeatCount) }

// ActiveOrderCount counts orders whose last known status is not terminal.
func (s *LatestState) ActiveOrderCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for k, v := range s.Fields {
		if !strings.HasPrefix(k, prefixOrder) {
			continue
		}
		st := strings.ToLower(payloadString(v, "status", "state"))
		if !terminalOrderStatus[st] {
			n++
		}
	}
	return n
}

func (s *LatestState) count(key string) int64 {
	raw, ok := s.Fields[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func itoa(n int64) json.RawMessage { return json.RawMessage(strconv.FormatInt(n, 10)) }

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	v, err := decodeNumbers(raw)
	if err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	// re-marshal sorts object keys so equal payloads compare byte-equal;
	// json.Number keeps numbers verbatim
	b, err := json.Marshal(v)
	if err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return b
}

// decodeNumbers decodes raw keeping numbers as json.Number, so order ids
// above 2^53 and long decimals survive.
func decodeNumbers(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after payload")
	}
	return v, nil
}

func payloadString(raw json.RawMessage, keys ...string) string {
	v, err := decodeNumbers(raw)
	if err != nil {
		return ""
	}
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
