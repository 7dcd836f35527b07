// Package progress tracks interview objective state per conversation: which
// objectives are pending, in play, or complete, and how far along the
// interview is overall.
package progress

import (
	"encoding/json"
	"math"
	"sort"

	"interviewer/pkg/logx"
)

// Status is the lifecycle state of a single objective.
type Status string

const (
	// StatusTBC marks an objective not yet addressed.
	StatusTBC Status = "tbc"
	// StatusCurrent marks the objective currently being pursued.
	StatusCurrent Status = "current"
	// StatusDone marks a completed objective.
	StatusDone Status = "done"
)

// IsValid reports whether s is one of the known status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusTBC, StatusCurrent, StatusDone:
		return true
	default:
		return false
	}
}

// Objective is one interview objective with its pursuit state.
type Objective struct {
	Status   Status `json:"status"`
	Count    int    `json:"count"`              // questions asked against this objective
	Target   int    `json:"target"`             // question budget for this objective
	Guidance string `json:"guidance,omitempty"` // model-facing steering text
}

// ObjectiveMap holds all objectives for a conversation keyed by objective ID.
type ObjectiveMap map[string]Objective

// Keys returns the objective IDs in sorted order. Map iteration order is not
// stable, and both prompts and transcripts need deterministic listings.
func (om ObjectiveMap) Keys() []string {
	keys := make([]string, 0, len(om))
	for k := range om {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Progress is the stored per-conversation progress record.
type Progress struct {
	Objectives     ObjectiveMap `json:"objectives"`
	ReplacedAtTurn int          `json:"replacedAtTurn"` // turn of the last wholesale replacement
}

// DefaultObjectives returns the starting skeleton: five objectives with the
// first in play and the rest pending.
func DefaultObjectives() ObjectiveMap {
	om := ObjectiveMap{
		"objective01": {Status: StatusCurrent, Target: 3},
		"objective02": {Status: StatusTBC, Target: 3},
		"objective03": {Status: StatusTBC, Target: 3},
		"objective04": {Status: StatusTBC, Target: 3},
		"objective05": {Status: StatusTBC, Target: 3},
	}
	return om
}

// Completion weights per status.
const (
	weightDone    = 100.0
	weightCurrent = 50.0
	weightTBC     = 0.0
)

// CompletionPercentage computes overall completion as the rounded mean of
// per-objective weights: done=100, current=50, anything else 0. An empty map
// is 0 percent.
func CompletionPercentage(om ObjectiveMap) int {
	if len(om) == 0 {
		return 0
	}

	var total float64
	for _, obj := range om {
		switch obj.Status {
		case StatusDone:
			total += weightDone
		case StatusCurrent:
			total += weightCurrent
		default:
			total += weightTBC
		}
	}

	return int(math.Round(total / float64(len(om))))
}

// CompletionFromJSON computes completion from a raw objectives JSON document.
// Malformed input degrades to 0 with a diagnostic rather than an error: a
// broken progress blob must never break the callers that only want a number.
func CompletionFromJSON(raw string) int {
	if raw == "" {
		return 0
	}

	var om ObjectiveMap
	if err := json.Unmarshal([]byte(raw), &om); err != nil {
		logx.Warnf("progress: completion requested on unparseable objectives JSON: %v", err)
		return 0
	}
	return CompletionPercentage(om)
}
