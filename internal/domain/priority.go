package domain

import (
	"slices"
	"strconv"
	"strings"
)

// Priority names one of the four queue tiers. Tiers are served in strict
// order: a lower tier is only consulted when every higher tier is empty.
type Priority string

// Supported priorities, highest first.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every tier in service order.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the tier's position in service order (0 for urgent) or -1 for
// an unknown priority.
func (p Priority) Rank() int {
	return slices.Index(Priorities, p)
}

// Valid reports whether p is one of the four supported tiers.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	return string(p)
}

// ParsePriority normalizes s into a Priority. Unknown values map to
// PriorityNormal and ok is false so callers can record the downgrade.
func ParsePriority(s string) (p Priority, ok bool) {
	p = Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p, true
	}
	return PriorityNormal, false
}

// PriorityFromRank is the inverse of Rank. Out-of-range ranks map to
// PriorityNormal.
func PriorityFromRank(rank int) Priority {
	if rank < 0 || rank >= len(Priorities) {
		return PriorityNormal
	}
	return Priorities[rank]
}

// CanonicalTiers returns the distinct valid priorities of tiers in service
// order. Invalid entries are dropped.
func CanonicalTiers(tiers []Priority) []Priority {
	out := make([]Priority, 0, len(Priorities))
	for _, p := range Priorities {
		if slices.Contains(tiers, p) {
			out = append(out, p)
		}
	}
	return out
}

// ParseTiers parses a comma separated tier list such as "urgent,high".
// Unlike ParsePriority it rejects unknown names.
func ParseTiers(s string) ([]Priority, error) {
	var tiers []Priority
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, ok := ParsePriority(part)
		if !ok {
			return nil, &TierParseError{Value: part}
		}
		tiers = append(tiers, p)
	}
	if len(tiers) == 0 {
		return nil, &TierParseError{Value: s}
	}
	return CanonicalTiers(tiers), nil
}

// TierParseError reports an unknown tier name in a tier list.
type TierParseError struct {
	Value string
}

// Error implements the error interface.
func (e *TierParseError) Error() string {
	return "invalid tier list entry " + strconv.Quote(e.Value)
}

// Unwrap returns ErrValidation.
func (e *TierParseError) Unwrap() error {
	return ErrValidation
}
