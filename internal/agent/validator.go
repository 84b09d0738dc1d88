package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tracelab/backend/internal/llm"
)

// validatorNode runs one validator turn. A hand-off from the planner
// resolves the events under review and seeds a fresh thread; the result
// applies keep/remove verdicts back onto the detected events.
func (g *Graph) validatorNode(ctx context.Context, s *State) error {
	msgs := s.ValidatorMessages

	if c := s.Communication; c != nil && c.To == destVerification {
		task := c.ValidatorTask

		var under []Event
		for _, id := range task.EventsToVerify {
			e := s.EventByID(id)
			if e == nil {
				s.ValidatorMessages = append(msgs, llm.Text("assistant", fmt.Sprintf(
					"Error: event %s not found in detected_events. Please revise your response to take an actionable step.", id)))
				s.CurrentAgent = AgentValidator
				s.Communication = nil
				return nil
			}
			under = append(under, *e)
		}

		names := uniqueEventNames(under)
		display := fmt.Sprintf("%d events: %s", len(under), strings.Join(names, ", "))
		instructions := "No specific instructions"
		if len(task.Instructions) > 0 {
			instructions = strings.Join(task.Instructions, "\n")
		}
		prompt := fmt.Sprintf(validatorInitTemplate,
			g.patternsText(names),
			g.stats,
			task.TaskID,
			display,
			jsonText(under),
			instructions,
			jsonText(task.PotentialWindows))

		msgs = []llm.Message{llm.Text("user", prompt)}
		if plot, err := g.viewers[AgentValidator].PlotAll(); err == nil {
			msgs = append(msgs, toolMessage("plot_all()", plot))
		}
	}

	resp, msgs, err := g.invoke(ctx, AgentValidator, msgs, validatorSchema)
	if err != nil {
		return err
	}
	s.TokenUsage += resp.Usage.TotalTokens
	s.CurrentAgent = AgentValidator
	s.Communication = nil

	var parsed validatorResponse
	if err := jsonDecode.UnmarshalFromString(resp.Content, &parsed); err != nil {
		s.ValidatorMessages = append(msgs, llm.Text("assistant",
			resp.Content+"\nThe response could not be parsed as the structured validator format. Please answer with valid structured output."))
		return nil
	}
	g.notifyLLM("Validator", msgs, parsed.RawMessage, s.TokenUsage)

	if parsed.ToolCall != "" {
		s.ValidatorMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
		s.validatorTool = parsed.ToolCall
		return nil
	}

	result := parsed.TaskResult
	if result == nil {
		s.ValidatorMessages = append(msgs, llm.Text("assistant",
			parsed.RawMessage+"\nNo tool call or task result was found in the validator's response. The LLM must either call a tool, or return a task result."))
		return nil
	}

	if result.Status {
		for _, verdict := range result.ValidationResults {
			e := s.EventByID(verdict.EventID)
			if e == nil {
				s.ValidatorMessages = append(msgs, llm.Text("assistant", fmt.Sprintf(
					"Error: event %s not found in detected_events. Please revise your response to take an actionable step.", verdict.EventID)))
				return nil
			}
			e.NeedVerification = false
			if verdict.Remove {
				e.VerificationResult = VerificationRemove
			} else {
				e.VerificationResult = VerificationKeep
			}
		}
	}

	if _, ok := s.MarkTaskDone(result.TaskID); !ok {
		s.ValidatorMessages = append(msgs, llm.Text("assistant", fmt.Sprintf(
			"Error: task %s not found in plan. Please revise your response to take an actionable step.", result.TaskID)))
		return nil
	}

	s.ValidatorMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
	s.Communication = &Communication{From: destVerification, To: destPlanner, ValidatorResult: result}
	return nil
}

func uniqueEventNames(events []Event) []string {
	seen := make(map[string]bool, len(events))
	var out []string
	for _, e := range events {
		if e.EventName == "" || seen[e.EventName] {
			continue
		}
		seen[e.EventName] = true
		out = append(out, e.EventName)
	}
	return out
}
