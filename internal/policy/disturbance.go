package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/debt"
)

// DisturbancePolicy bounds the disturbance term a step may declare.
// Three regimes exist:
//
//	DP0: no disturbance at all
//	DP1: a uniform per-step bound
//	DP2: per-event-type bounds; undeclared event types admit nothing
type DisturbancePolicy struct {
	kind    disturbanceKind
	bound   debt.Unit            // DP1
	byEvent map[string]debt.Unit // DP2
}

type disturbanceKind string

const (
	dpZero    disturbanceKind = "dp0"
	dpUniform disturbanceKind = "dp1"
	dpTyped   disturbanceKind = "dp2"
)

// DP0 admits only zero disturbance.
func DP0() DisturbancePolicy {
	return DisturbancePolicy{kind: dpZero}
}

// DP1 admits any disturbance up to the uniform bound.
func DP1(bound debt.Unit) DisturbancePolicy {
	return DisturbancePolicy{kind: dpUniform, bound: bound}
}

// DP2 admits disturbance per declared event type, up to that type's
// bound.
func DP2(byEvent map[string]debt.Unit) DisturbancePolicy {
	copied := make(map[string]debt.Unit, len(byEvent))
	for k, v := range byEvent {
		copied[k] = v
	}
	return DisturbancePolicy{kind: dpTyped, byEvent: copied}
}

// Validate checks a declared disturbance against the policy. The event
// type matters only under DP2.
func (p DisturbancePolicy) Validate(d debt.Unit, eventType string) error {
	switch p.kind {
	case dpZero:
		if d != 0 {
			return fmt.Errorf("disturbance policy dp0 admits no disturbance, got %d", d)
		}
		return nil
	case dpUniform:
		if d > p.bound {
			return fmt.Errorf("disturbance %d exceeds uniform bound %d", d, p.bound)
		}
		return nil
	case dpTyped:
		if d == 0 {
			return nil
		}
		bound, ok := p.byEvent[eventType]
		if !ok {
			return fmt.Errorf("event type %q admits no disturbance", eventType)
		}
		if d > bound {
			return fmt.Errorf("disturbance %d exceeds bound %d for event type %q", d, bound, eventType)
		}
		return nil
	default:
		return fmt.Errorf("unknown disturbance policy kind %q", p.kind)
	}
}

// ID returns the policy's canonical identifier.
func (p DisturbancePolicy) ID() string {
	switch p.kind {
	case dpZero:
		return "disturbance.dp0"
	case dpUniform:
		return fmt.Sprintf("disturbance.dp1.bound:%d", p.bound)
	case dpTyped:
		types := make([]string, 0, len(p.byEvent))
		for t := range p.byEvent {
			types = append(types, t)
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", t, p.byEvent[t]))
		}
		return "disturbance.dp2." + strings.Join(parts, ",")
	default:
		return "disturbance.unknown"
	}
}

// canonValue renders the policy for bundle hashing.
func (p DisturbancePolicy) canonValue() canon.Object {
	obj := canon.Object{"kind": canon.String(string(p.kind))}
	switch p.kind {
	case dpUniform:
		obj["bound"] = canon.Int(p.bound.Int64())
	case dpTyped:
		events := canon.Object{}
		for t, b := range p.byEvent {
			events[t] = canon.Int(b.Int64())
		}
		obj["by_event"] = events
	}
	return obj
}

// ParseDisturbanceID reconstructs a policy from its identifier.
func ParseDisturbanceID(id string) (DisturbancePolicy, error) {
	switch {
	case id == "disturbance.dp0":
		return DP0(), nil
	case strings.HasPrefix(id, "disturbance.dp1.bound:"):
		raw := strings.TrimPrefix(id, "disturbance.dp1.bound:")
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return DisturbancePolicy{}, fmt.Errorf("disturbance id %q: %w", id, err)
		}
		bound, err := debt.New(v)
		if err != nil {
			return DisturbancePolicy{}, fmt.Errorf("disturbance id %q: %w", id, err)
		}
		return DP1(bound), nil
	case strings.HasPrefix(id, "disturbance.dp2."):
		raw := strings.TrimPrefix(id, "disturbance.dp2.")
		byEvent := make(map[string]debt.Unit)
		if raw != "" {
			for _, part := range strings.Split(raw, ",") {
				name, val, ok := strings.Cut(part, "=")
				if !ok {
					return DisturbancePolicy{}, fmt.Errorf("disturbance id %q: malformed entry %q", id, part)
				}
				v, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return DisturbancePolicy{}, fmt.Errorf("disturbance id %q: %w", id, err)
				}
				bound, err := debt.New(v)
				if err != nil {
					return DisturbancePolicy{}, fmt.Errorf("disturbance id %q: %w", id, err)
				}
				byEvent[name] = bound
			}
		}
		return DP2(byEvent), nil
	default:
		return DisturbancePolicy{}, fmt.Errorf("unknown disturbance policy id %q", id)
	}
}
