package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tracelab/backend/internal/llm"
)

// identifierNode runs one identifier turn. A hand-off from the planner
// starts a fresh thread seeded with the task prompt and a full-data plot;
// otherwise the existing thread continues.
func (g *Graph) identifierNode(ctx context.Context, s *State) error {
	msgs := s.IdentifierMessages

	if c := s.Communication; c != nil && c.To == destIdentification {
		task := c.IdentifierTask
		current := "None"
		if len(s.DetectedEvents) > 0 {
			current = jsonText(s.DetectedEvents)
		}
		events := "None"
		if len(task.EventsName) > 0 {
			events = strings.Join(task.EventsName, ", ")
		}
		instructions := "No specific instructions"
		if len(task.Instructions) > 0 {
			instructions = strings.Join(task.Instructions, "\n")
		}
		prompt := fmt.Sprintf(identifierInitTemplate,
			g.patternsText(task.EventsName),
			g.stats,
			current,
			len(s.DetectedEvents),
			task.TaskID,
			events,
			instructions,
			jsonText(task.PotentialWindows))

		msgs = []llm.Message{llm.Text("user", prompt)}
		if plot, err := g.viewers[AgentIdentifier].PlotAll(); err == nil {
			msgs = append(msgs, toolMessage("plot_all()", plot))
		}
	}

	resp, msgs, err := g.invoke(ctx, AgentIdentifier, msgs, identifierSchema)
	if err != nil {
		return err
	}
	s.TokenUsage += resp.Usage.TotalTokens
	s.CurrentAgent = AgentIdentifier
	s.Communication = nil

	var parsed identifierResponse
	if err := jsonDecode.UnmarshalFromString(resp.Content, &parsed); err != nil {
		s.IdentifierMessages = append(msgs, llm.Text("assistant",
			resp.Content+"\nThe response could not be parsed as the structured identifier format. Please answer with valid structured output."))
		return nil
	}
	g.notifyLLM("Identifier", msgs, parsed.RawMessage, s.TokenUsage)

	if parsed.ToolCall != "" {
		s.IdentifierMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
		s.identifierTool = parsed.ToolCall
		return nil
	}

	result := parsed.TaskResult
	if result == nil {
		s.IdentifierMessages = append(msgs, llm.Text("assistant",
			parsed.RawMessage+"\nNo tool call or task result was found in the identifier's response. The LLM must either call a tool, or return a task result."))
		return nil
	}

	item, ok := s.MarkTaskDone(result.TaskID)
	if !ok {
		s.IdentifierMessages = append(msgs, llm.Text("assistant", fmt.Sprintf(
			"Error: task %s not found in plan. Please revise your response to take an actionable step.", result.TaskID)))
		return nil
	}
	if result.Status {
		s.AddEvents(result.EventsFound)
	}
	g.Notify("task_completed", map[string]any{
		"message": fmt.Sprintf("Task completed: %s", item.TaskDescription),
		"task_id": result.TaskID,
		"plan":    clonePlan(s.Plan),
	})

	s.IdentifierMessages = append(msgs, llm.Text("assistant", parsed.RawMessage))
	s.Communication = &Communication{From: destIdentification, To: destPlanner, IdentifierResult: result}
	return nil
}
