package agent

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/tracelab/backend/internal/llm"
)

var jsonDecode = jsoniter.ConfigCompatibleWithStandardLibrary

// plannerNode runs one planner turn: fold in a worker hand-back when
// present, call the LLM, and act on the structured decision.
func (g *Graph) plannerNode(ctx context.Context, s *State) error {
	msgs := s.PlannerMessages

	if c := s.Communication; c != nil && c.To == destPlanner {
		var summary string
		switch c.From {
		case destIdentification:
			summary = fmt.Sprintf("The identifier completed task %s. Added %d new events.",
				c.IdentifierResult.TaskID, len(c.IdentifierResult.EventsFound))
		case destVerification:
			summary = fmt.Sprintf("The validator completed task %s. Applied validation changes.",
				c.ValidatorResult.TaskID)
		}
		handBack := fmt.Sprintf(`%s
The current detected events are: %s.
Current plan status: %s
If all the tasks are done, return the final result. Otherwise, you need to provide instruction to the identifier or validator for the next step.
If needed, you can make adjustments to the plan by adding/modifying/removing unfinished tasks.`,
			summary, jsonText(s.DetectedEvents), jsonText(s.Plan))
		msgs = append(msgs, llm.Text("user", handBack))
	}

	resp, msgs, err := g.invoke(ctx, AgentPlanner, msgs, plannerSchema)
	if err != nil {
		return err
	}
	s.TokenUsage += resp.Usage.TotalTokens
	s.CurrentAgent = AgentPlanner
	s.Communication = nil

	var parsed plannerResponse
	if err := jsonDecode.UnmarshalFromString(resp.Content, &parsed); err != nil {
		s.PlannerMessages = append(msgs, llm.Text("assistant",
			resp.Content+"\nThe response could not be parsed as the structured planner format. Please answer with valid structured output."))
		return nil
	}
	g.notifyLLM("Planner", msgs, parsed.RawMessage, s.TokenUsage)

	if parsed.ToolCall != "" {
		s.PlannerMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
		s.plannerTool = parsed.ToolCall
		return nil
	}

	info := parsed.AdditionalInfo
	if info == nil {
		s.PlannerMessages = append(msgs, llm.Text("assistant",
			parsed.RawMessage+"\nNo tool call or additional_info was found in the planner's response. The LLM must either call a tool or provide additional_info with plan/identifier_task/validator_task/final_result. Please revise your response to take an actionable step."))
		return nil
	}

	switch {
	case info.FinalResult != nil:
		return g.plannerFinalize(s, msgs, parsed.RawMessage, info.FinalResult)
	case info.Plan != nil:
		s.Plan = clonePlan(info.Plan)
		g.Notify("plan_updated", map[string]any{
			"message": "Planner has created/updated the plan",
			"plan":    s.Plan,
		})
		s.PlannerMessages = append(msgs,
			llm.Text("assistant", parsed.RawMessage),
			llm.Text("assistant", fmt.Sprintf("The plan is updated. The current plan is: %s. Please assign the task to the identifier or validator agent.", jsonText(s.Plan))))
		return nil
	case info.IdentifierTask != nil:
		task := *info.IdentifierTask
		task.PotentialWindows = widenWindows(task.PotentialWindows, g.dataLen())
		if !s.HasTask(task.TaskID) {
			s.PlannerMessages = append(msgs, llm.Text("assistant", taskNotInPlanWarning(task.TaskID)))
			return nil
		}
		s.PlannerMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
		s.Communication = &Communication{From: destPlanner, To: destIdentification, IdentifierTask: &task}
		return nil
	case info.ValidatorTask != nil:
		task := *info.ValidatorTask
		task.PotentialWindows = widenWindows(task.PotentialWindows, g.dataLen())
		if !s.HasTask(task.TaskID) {
			s.PlannerMessages = append(msgs, llm.Text("assistant", taskNotInPlanWarning(task.TaskID)))
			return nil
		}
		s.PlannerMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
		s.Communication = &Communication{From: destPlanner, To: destVerification, ValidatorTask: &task}
		return nil
	default:
		s.PlannerMessages = append(msgs, llm.Text("assistant",
			parsed.RawMessage+"\nNo tool call or additional_info was found in the planner's response. The LLM must either call a tool or provide additional_info with plan/identifier_task/validator_task/final_result. Please revise your response to take an actionable step."))
		return nil
	}
}

// plannerFinalize accepts the final result only when every plan item is
// done and no event still needs verification; otherwise it hands an
// explanatory message back to the planner.
func (g *Graph) plannerFinalize(s *State, msgs []llm.Message, raw string, result []FinalEvent) error {
	if incomplete := s.IncompleteTasks(); len(incomplete) > 0 {
		s.PlannerMessages = append(msgs, llm.Text("assistant", fmt.Sprintf(
			"Error: Cannot finalize results. Incomplete tasks remain: %s. Please complete all tasks first.",
			jsonText(incomplete))))
		return nil
	}
	if unverified := s.UnverifiedEventIDs(); len(unverified) > 0 {
		s.PlannerMessages = append(msgs, llm.Text("assistant", fmt.Sprintf(
			"Error: Cannot finalize results. Some events still need verification: %s. Please validate all events first.",
			strings.Join(unverified, ", "))))
		return nil
	}
	s.PlannerMessages = append(msgs, llm.Text("assistant", raw))
	s.FinalResult = append([]FinalEvent(nil), result...)
	return nil
}

// widenWindows pads each [start, end] window by half its width on both
// sides, clamped to the data's index range [0, n-1]. The planner's hints
// are deliberately broad; the worker narrows.
func widenWindows(windows [][2]int, n int) [][2]int {
	out := make([][2]int, len(windows))
	for i, w := range windows {
		half := (w[1] - w[0]) / 2
		lo, hi := w[0]-half, w[1]+half
		if lo < 0 {
			lo = 0
		}
		if n > 0 && hi > n-1 {
			hi = n - 1
		}
		if hi < lo {
			hi = lo
		}
		out[i] = [2]int{lo, hi}
	}
	return out
}

func taskNotInPlanWarning(taskID string) string {
	return fmt.Sprintf("Warning: The assigned task (id: %s) is not present in the plan. Please ensure every assigned task is included in the plan before handing over to the agent.", taskID)
}

func clonePlan(plan []PlanItem) []PlanItem {
	return append([]PlanItem(nil), plan...)
}
