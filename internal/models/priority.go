package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority orders recipe sets in the dispatch queue. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// DefaultPriority is applied when a recipe set asks for nothing, or for a
// level the submitter may not use.
const DefaultPriority = PriorityNormal

var priorityNames = []string{"Low", "Medium", "Normal", "High", "Urgent"}

// Priorities lists every level from lowest to highest.
func Priorities() []Priority {
	return []Priority{PriorityLow, PriorityMedium, PriorityNormal, PriorityHigh, PriorityUrgent}
}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts a level name in any letter case.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
