package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/metrics"
)

// Token budgets per node and the default cap on agent-node turns.
const (
	PlannerTokenBudget    = 500_000
	WorkerTokenBudget     = 2_000_000
	DefaultRecursionLimit = 10
)

// Graph node names. Each agent node has a companion tool-runner node; nodeEnd
// is the implicit terminal.
const (
	nodePlanner         = AgentPlanner
	nodeIdentifier      = AgentIdentifier
	nodeValidator       = AgentValidator
	nodeToolsPlanner    = "tools_planner"
	nodeToolsIdentifier = "tools_identifier"
	nodeToolsValidator  = "tools_validator"
	nodeEnd             = "end"
)

// Notification is one progress message for subscribers (WebSocket clients,
// the conversation log).
type Notification struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Graph wires the three agent nodes to their LLM clients and plot viewers.
// Notifications produced while a node runs are buffered and drained by the
// runner at step boundaries.
type Graph struct {
	chatter  llm.Chatter
	viewers  map[string]*Viewer
	patterns map[string]string // event name -> pattern description
	stats    string
	metrics  *metrics.Metrics

	pending []Notification
}

// NewGraph builds a graph. Each agent needs a viewer registered before the
// graph steps; SetViewer exists so viewer sync callbacks can close over the
// graph being built.
func NewGraph(chatter llm.Chatter, viewers map[string]*Viewer, patterns map[string]string, stats string, m *metrics.Metrics) *Graph {
	if viewers == nil {
		viewers = make(map[string]*Viewer, 3)
	}
	return &Graph{
		chatter:  chatter,
		viewers:  viewers,
		patterns: patterns,
		stats:    stats,
		metrics:  m,
	}
}

// SetViewer registers one agent's plot viewer.
func (g *Graph) SetViewer(agentName string, v *Viewer) {
	g.viewers[agentName] = v
}

// dataLen returns the row count of the data the viewers were built over,
// or 0 when no viewer is registered yet.
func (g *Graph) dataLen() int {
	if v, ok := g.viewers[AgentPlanner]; ok {
		return v.n
	}
	for _, v := range g.viewers {
		return v.n
	}
	return 0
}

// Notify buffers a notification until the next step boundary.
func (g *Graph) Notify(typ string, data map[string]any) {
	g.pending = append(g.pending, Notification{Type: typ, Data: data})
}

// Drain returns and clears the buffered notifications.
func (g *Graph) Drain() []Notification {
	out := g.pending
	g.pending = nil
	return out
}

// Step runs one node and returns the next. Terminal is reported as nodeEnd.
func (g *Graph) Step(ctx context.Context, s *State, node string) (string, error) {
	switch node {
	case nodePlanner:
		if err := g.plannerNode(ctx, s); err != nil {
			return "", err
		}
		return g.routePlanner(s), nil
	case nodeIdentifier:
		if err := g.identifierNode(ctx, s); err != nil {
			return "", err
		}
		return g.routeIdentifier(s), nil
	case nodeValidator:
		if err := g.validatorNode(ctx, s); err != nil {
			return "", err
		}
		return g.routeValidator(s), nil
	case nodeToolsPlanner:
		g.runTool(s, AgentPlanner)
		return nodePlanner, nil
	case nodeToolsIdentifier:
		g.runTool(s, AgentIdentifier)
		return nodeIdentifier, nil
	case nodeToolsValidator:
		g.runTool(s, AgentValidator)
		return nodeValidator, nil
	default:
		return "", fmt.Errorf("agent: unknown node %q", node)
	}
}

// IsAgentNode reports whether node is one of the LLM-driven nodes (as
// opposed to a tool runner); these count against the recursion limit.
func IsAgentNode(node string) bool {
	return node == nodePlanner || node == nodeIdentifier || node == nodeValidator
}

func (g *Graph) routePlanner(s *State) string {
	if s.TokenUsage > PlannerTokenBudget {
		return nodeEnd
	}
	if s.plannerTool != "" {
		return nodeToolsPlanner
	}
	if s.FinalResult != nil {
		return nodeEnd
	}
	if s.Communication != nil {
		if s.Communication.To == destVerification {
			return nodeValidator
		}
		return nodeIdentifier
	}
	return nodePlanner
}

func (g *Graph) routeIdentifier(s *State) string {
	if s.TokenUsage > WorkerTokenBudget {
		return nodeEnd
	}
	if s.identifierTool != "" {
		return nodeToolsIdentifier
	}
	if s.Communication != nil && s.Communication.To == destPlanner {
		return nodePlanner
	}
	return nodeIdentifier
}

func (g *Graph) routeValidator(s *State) string {
	if s.TokenUsage > WorkerTokenBudget {
		return nodeEnd
	}
	if s.validatorTool != "" {
		return nodeToolsValidator
	}
	if s.Communication != nil && s.Communication.To == destPlanner {
		return nodePlanner
	}
	return nodeValidator
}

// runTool executes the pending tool call of one agent and appends the
// result to its message thread. A fresh plot_window call first drops the
// images of earlier tool results to bound the context size.
func (g *Graph) runTool(s *State, agentName string) {
	var call string
	var thread *[]llm.Message
	switch agentName {
	case AgentPlanner:
		call, s.plannerTool = s.plannerTool, ""
		thread = &s.PlannerMessages
	case AgentIdentifier:
		call, s.identifierTool = s.identifierTool, ""
		thread = &s.IdentifierMessages
	default:
		call, s.validatorTool = s.validatorTool, ""
		thread = &s.ValidatorMessages
	}
	if agentName != AgentPlanner && strings.Contains(call, "plot_window") {
		*thread = llm.StripImages(*thread)
	}
	res := g.viewers[agentName].Dispatch(call)
	*thread = append(*thread, toolMessage(call, res))
	s.CurrentAgent = agentName
	slog.Debug("agent tool executed", "agent", agentName, "call", call)
}

// toolMessage formats a tool result as a user message, attaching the plot
// image when present.
func toolMessage(call string, res *ToolResult) llm.Message {
	text := fmt.Sprintf("Result of %s:\n%s", call, res.Desc)
	if res.Fig != "" {
		return llm.TextWithImage("user", text, res.Fig)
	}
	return llm.Text("user", text)
}

// invoke sends one chat completion for a node, retrying once with text-only
// content when the service rejects an image attachment. It returns the
// messages actually sent so the caller threads them into the state.
func (g *Graph) invoke(ctx context.Context, node string, msgs []llm.Message, format *llm.ResponseFormat) (*llm.Response, []llm.Message, error) {
	system := llm.Text("system", systemPromptFor(node))
	req := llm.Request{Messages: append([]llm.Message{system}, msgs...), ResponseFormat: format}

	if g.metrics != nil {
		g.metrics.AgentLLMCalls.WithLabelValues(node).Inc()
	}
	resp, err := g.chatter.Chat(ctx, req)
	if errors.Is(err, llm.ErrBadRequest) {
		slog.Warn("llm rejected request, retrying text-only", "node", node, "error", err)
		msgs = llm.StripImages(msgs)
		req.Messages = append([]llm.Message{system}, msgs...)
		resp, err = g.chatter.Chat(ctx, req)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("agent: %s completion: %w", node, err)
	}
	return resp, msgs, nil
}

func systemPromptFor(node string) string {
	switch node {
	case AgentIdentifier:
		return identifierSystemPrompt
	case AgentValidator:
		return validatorSystemPrompt
	default:
		return plannerSystemPrompt
	}
}

// notifyLLM reports one completed LLM exchange to subscribers.
func (g *Graph) notifyLLM(agentName string, sent []llm.Message, received string, totalTokens int) {
	sentText := ""
	if len(sent) > 0 {
		sentText = messageText(sent[len(sent)-1])
	}
	g.Notify("llm_interaction", map[string]any{
		"agent":            agentName,
		"sent_message":     sentText,
		"received_message": received,
		"token_usage":      totalTokens,
	})
}

func messageText(m llm.Message) string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []llm.ContentBlock:
		var parts []string
		for _, b := range c {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// patternsText renders the pattern descriptions for the named events.
func (g *Graph) patternsText(names []string) string {
	var parts []string
	for _, name := range names {
		if desc, ok := g.patterns[name]; ok {
			parts = append(parts, fmt.Sprintf("**%s**: %s", name, desc))
		}
	}
	if len(parts) == 0 {
		return "No specific patterns provided"
	}
	return strings.Join(parts, "\n")
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
