package agent

import (
	"github.com/tracelab/backend/internal/llm"
)

// State is the single shared container an auto-detection run advances. One
// node owns it at any time; message threads are append-only and TokenUsage
// is monotonic.
type State struct {
	PlannerMessages    []llm.Message
	IdentifierMessages []llm.Message
	ValidatorMessages  []llm.Message

	Plan           []PlanItem
	Communication  *Communication
	DetectedEvents []Event
	TokenUsage     int
	CurrentAgent   string

	// FinalResult is set when the planner finalizes; it terminates the graph.
	FinalResult []FinalEvent

	// Pending tool-call strings per node, consumed by the tool-runner nodes.
	plannerTool    string
	identifierTool string
	validatorTool  string
}

// AddEvents appends events not already present under the
// (EventName, StartIndex, EndIndex) key.
func (s *State) AddEvents(events []Event) {
	for _, e := range events {
		if s.hasEvent(e) {
			continue
		}
		s.DetectedEvents = append(s.DetectedEvents, e)
	}
}

func (s *State) hasEvent(e Event) bool {
	for _, have := range s.DetectedEvents {
		if have.EventName == e.EventName && have.StartIndex == e.StartIndex && have.EndIndex == e.EndIndex {
			return true
		}
	}
	return false
}

// EventByID returns a pointer into DetectedEvents, or nil.
func (s *State) EventByID(id string) *Event {
	for i := range s.DetectedEvents {
		if s.DetectedEvents[i].EventID == id {
			return &s.DetectedEvents[i]
		}
	}
	return nil
}

// MarkTaskDone flags the plan item with the given id; reports whether it
// was found.
func (s *State) MarkTaskDone(taskID string) (*PlanItem, bool) {
	for i := range s.Plan {
		if s.Plan[i].TaskID == taskID {
			s.Plan[i].IsDone = true
			return &s.Plan[i], true
		}
	}
	return nil, false
}

// HasTask reports whether the plan contains a task with the given id.
func (s *State) HasTask(taskID string) bool {
	for _, p := range s.Plan {
		if p.TaskID == taskID {
			return true
		}
	}
	return false
}

// IncompleteTasks returns the plan items not yet done.
func (s *State) IncompleteTasks() []PlanItem {
	var out []PlanItem
	for _, p := range s.Plan {
		if !p.IsDone {
			out = append(out, p)
		}
	}
	return out
}

// UnverifiedEventIDs returns the ids of events still awaiting verification.
func (s *State) UnverifiedEventIDs() []string {
	var out []string
	for _, e := range s.DetectedEvents {
		if e.NeedVerification {
			out = append(out, e.EventID)
		}
	}
	return out
}
