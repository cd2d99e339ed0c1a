// Package env composes the environment injected into bot containers.
package env

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

type Var map[string]string

// Env holds variables shared by every bot, typically broker credentials.
// The orchestrator's own environment is never inherited.
type Env struct {
	Var Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromMap returns an Env seeded with m.
func FromMap(m map[string]string) *Env {
	e := New()
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge applies perBot over the globals and expands ${VAR} references using
// the composed map (one pass, no recursion). Empty keys are dropped.
func (e *Env) Merge(perBot map[string]string) map[string]string {
	m := make(Var, len(e.Var)+len(perBot))
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range perBot {
		if k != "" {
			m[k] = v
		}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expand(v, m)
	}
	return out
}

// Pairs renders a merged map as sorted "K=V" entries.
func Pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// Key turns a config key into an environment variable suffix:
// "order-amount" becomes "ORDER_AMOUNT".
func Key(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FromConfig flattens a strategy config into variables. The full config is
// kept as JSON under prefix; each scalar top-level value also gets its own
// prefix_KEY variable.
func FromConfig(prefix string, cfg map[string]any) (map[string]string, error) {
	out := map[string]string{}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	out[prefix] = string(b)
	for k, v := range cfg {
		key := prefix + "_" + Key(k)
		switch x := v.(type) {
		case string:
			out[key] = x
		case bool, float64, float32, int, int64, int32, uint64, json.Number:
			out[key] = fmt.Sprint(x)
		}
	}
	return out, nil
}
