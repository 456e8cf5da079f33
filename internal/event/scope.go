package event

import (
	"fmt"
	"strings"
)

// ScopeMode defines how far a published event reaches.
type ScopeMode string

const (
	// ScopeModeGlobal reaches every subscriber of the topic (default).
	ScopeModeGlobal ScopeMode = "global"

	// ScopeModeInstance reaches only subscribers bound to the same instance id,
	// e.g. one specific run or worker instance.
	ScopeModeInstance ScopeMode = "instance"
)

// Scope is the scope of a publish or of a subscription.
// The zero value is Global.
type Scope struct {
	Mode ScopeMode
	ID   string
}

// Global returns the broad scope.
func Global() Scope {
	return Scope{Mode: ScopeModeGlobal}
}

// Instance returns a narrow scope bound to id.
func Instance(id string) Scope {
	return Scope{Mode: ScopeModeInstance, ID: id}
}

// IsGlobal reports whether s is the broad scope.
func (s Scope) IsGlobal() bool {
	return s.Mode == "" || s.Mode == ScopeModeGlobal
}

// Matches reports whether an event published with scope s reaches a
// subscription registered with scope sub.
//
// A global publish reaches everyone. An instance publish reaches only
// subscriptions bound to that exact instance.
func (s Scope) Matches(sub Scope) bool {
	if s.IsGlobal() {
		return true
	}
	return sub.Mode == ScopeModeInstance && sub.ID == s.ID
}

// String renders "global" or "instance:<id>".
func (s Scope) String() string {
	if s.IsGlobal() {
		return string(ScopeModeGlobal)
	}
	return string(ScopeModeInstance) + ":" + s.ID
}

// ParseScope parses the String form. Empty input is Global.
func ParseScope(raw string) (Scope, error) {
	switch {
	case raw == "" || raw == string(ScopeModeGlobal):
		return Global(), nil
	case strings.HasPrefix(raw, string(ScopeModeInstance)+":"):
		id := strings.TrimPrefix(raw, string(ScopeModeInstance)+":")
		if id == "" {
			return Scope{}, fmt.Errorf("invalid scope %q: instance scope requires an id", raw)
		}
		return Instance(id), nil
	default:
		return Scope{}, fmt.Errorf("invalid scope %q: must be global or instance:<id>", raw)
	}
}
