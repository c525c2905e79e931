// Package ratelimit implements per-subject admission limits for chat actions:
// a sliding-window limiter with temporary blocks, a flood detector for
// back-to-back messages, and an administrative block list.
//
// All types are process-local and safe for concurrent use. State lives in
// memory; restarting the process forgets windows and blocks.
package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is the kind of inbound event being limited.
type Action string

const (
	ActionMessage        Action = "message"
	ActionCommand        Action = "command"
	ActionCallback       Action = "callback"
	ActionLanguageChange Action = "language_change"
)

// Actions lists every action a Limiter must have a rule for.
var Actions = []Action{ActionMessage, ActionCommand, ActionCallback, ActionLanguageChange}

// Valid reports whether a is one of Actions.
func (a Action) Valid() bool {
	for _, x := range Actions {
		if a == x {
			return true
		}
	}
	return false
}

// Rule limits one action: at most MaxRequests within Window, after which the
// subject is blocked for BlockDuration.
type Rule struct {
	MaxRequests   int           `yaml:"max_requests"   json:"max_requests"`
	Window        time.Duration `yaml:"window"         json:"window"`
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

// Configuration errors. They are fatal at startup.
var (
	ErrUnknownAction = errors.New("ratelimit: unknown action")
	ErrInvalidRule   = errors.New("ratelimit: invalid rule")
	ErrMissingRule   = errors.New("ratelimit: missing rule")
)

func (r Rule) validate(a Action) error {
	if r.MaxRequests < 1 || r.Window <= 0 || r.BlockDuration < 0 {
		return fmt.Errorf("%w for %q: max_requests must be >= 1, window > 0, block_duration >= 0", ErrInvalidRule, a)
	}
	return nil
}

// DefaultRules returns the stock limits.
func DefaultRules() map[Action]Rule {
	return map[Action]Rule{
		ActionMessage:        {MaxRequests: 30, Window: 60 * time.Second, BlockDuration: 300 * time.Second},
		ActionCommand:        {MaxRequests: 10, Window: 60 * time.Second, BlockDuration: 180 * time.Second},
		ActionCallback:       {MaxRequests: 20, Window: 60 * time.Second, BlockDuration: 120 * time.Second},
		ActionLanguageChange: {MaxRequests: 5, Window: 300 * time.Second, BlockDuration: 600 * time.Second},
	}
}

// rulesFile is the YAML layout of a rules file:
//
//	rules:
//	  message:
//	    max_requests: 30
//	    window: 60s
//	    block_duration: 5m
type rulesFile struct {
	Rules map[string]Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file and merges it over DefaultRules. An empty
// path returns the defaults.
func LoadRules(path string) (map[Action]Rule, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return mergeRules(rules, b)
}

func mergeRules(base map[Action]Rule, b []byte) (map[Action]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("ratelimit: parse rules: %w", err)
	}
	for name, r := range f.Rules {
		a := Action(name)
		if !a.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
		}
		if err := r.validate(a); err != nil {
			return nil, err
		}
		base[a] = r
	}
	return base, nil
}
