package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Action is an adjudicator's ruling on one surface.
type Action string

const (
	// ActionAccept keeps the engine's reading
	ActionAccept Action = "accept"

	// ActionReject replaces the engine's reading with the morphological one
	ActionReject Action = "reject"

	// ActionPatch replaces the engine's reading with a supplied reading
	ActionPatch Action = "patch"
)

// Decision is the ruling for one surface.
type Decision struct {
	Action  Action `json:"action" yaml:"action"`
	Reading string `json:"reading,omitempty" yaml:"reading,omitempty"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Query asks about one distinct surface.
type Query struct {
	Surface       string   `json:"surface"`
	MorphReading  string   `json:"morph_reading"`
	EngineReading string   `json:"engine_reading"`
	Contexts      []string `json:"contexts"`
}

// Adjudicator rules on a batch of distinct surfaces. A surface absent from
// the returned map stays unresolved.
type Adjudicator interface {
	Adjudicate(ctx context.Context, batch []Query) (map[string]Decision, error)
}

// AdjudicatorFunc adapts a function to Adjudicator.
type AdjudicatorFunc func(ctx context.Context, batch []Query) (map[string]Decision, error)

// Adjudicate implements Adjudicator.
func (f AdjudicatorFunc) Adjudicate(ctx context.Context, batch []Query) (map[string]Decision, error) {
	return f(ctx, batch)
}

// Table is a fixed surface → decision table, mainly for tests and for
// replaying decisions from a file.
type Table map[string]Decision

// Adjudicate implements Adjudicator.
func (t Table) Adjudicate(_ context.Context, batch []Query) (map[string]Decision, error) {
	out := make(map[string]Decision, len(batch))
	for _, q := range batch {
		if d, ok := t[q.Surface]; ok {
			out[q.Surface] = d
		}
	}
	return out, nil
}

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionReject, ActionPatch:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// ErrMalformedTable is returned for a decision table that cannot be used.
var ErrMalformedTable = errors.New("malformed decision table")

// LoadTable reads a YAML surface → decision table:
//
//	大阪:
//	  action: patch
//	  reading: オオサカ
func LoadTable(path string) (Table, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	return ParseTable(data)
}

// ParseTable parses a YAML decision table. Every action must be known and a
// patch must carry a reading.
func ParseTable(data []byte) (Table, error) {
	var raw map[string]Decision
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
	}
	t := make(Table, len(raw))
	for surface, d := range raw {
		a, err := ParseAction(string(d.Action))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedTable, surface, err)
		}
		if a == ActionPatch && strings.TrimSpace(d.Reading) == "" {
			return nil, fmt.Errorf("%w: %s: patch without a reading", ErrMalformedTable, surface)
		}
		d.Action = a
		t[surface] = d
	}
	return t, nil
}
