package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/metrics"
	"github.com/tracelab/backend/internal/series"
	"github.com/tracelab/backend/internal/store"
)

// Store is the document-store subset the agent pipeline needs.
type Store interface {
	store.FileStore
	store.FolderStore
	store.ProjectStore
	store.LabelStore
	store.ConversationStore
}

// NotifyFunc receives run notifications in emission order.
type NotifyFunc func(n Notification)

// Runner drives one auto-detection graph per call to Run. Cancellation is
// cooperative: the context is checked at every step boundary.
type Runner struct {
	chatter  llm.Chatter
	store    Store
	dataDir  string
	renderer Renderer
	metrics  *metrics.Metrics

	// RecursionLimit caps LLM-node turns per run; StepDelay paces the loop
	// so streamed progress stays readable.
	RecursionLimit int
	StepDelay      time.Duration
}

// NewRunner builds a runner with the default recursion limit and a 100ms
// step delay.
func NewRunner(chatter llm.Chatter, st Store, dataDir string, r Renderer, m *metrics.Metrics) *Runner {
	return &Runner{
		chatter:        chatter,
		store:          st,
		dataDir:        dataDir,
		renderer:       r,
		metrics:        m,
		RecursionLimit: DefaultRecursionLimit,
		StepDelay:      100 * time.Millisecond,
	}
}

// Run executes one auto-detection pass over a file. notify may be nil.
func (r *Runner) Run(ctx context.Context, fileID string, notify NotifyFunc) error {
	if notify == nil {
		notify = func(Notification) {}
	}
	if _, err := r.store.EnsureConversation(ctx, fileID, store.ConversationDetection); err != nil {
		return fmt.Errorf("agent: ensure conversation: %w", err)
	}
	r.setStatus(ctx, fileID, store.ConversationStarted)
	notify(Notification{Type: "detection_started", Data: map[string]any{
		"message": "Starting multi-agent event detection...",
	}})

	graph, state, project, err := r.initialize(ctx, fileID)
	if err != nil {
		r.fail(ctx, fileID, notify, err)
		return err
	}
	r.setStatus(ctx, fileID, store.ConversationRunning)
	notify(Notification{Type: "analysis_started", Data: map[string]any{
		"message": "Multi-agent analysis started...",
	}})

	node := nodePlanner
	turns := 0
	for {
		if err := ctx.Err(); err != nil {
			return r.cancel(ctx, fileID, notify, err)
		}
		if IsAgentNode(node) {
			turns++
			if turns > r.RecursionLimit {
				slog.Warn("auto-detection recursion limit reached", "fileId", fileID, "turns", turns)
				break
			}
		}

		next, stepErr := graph.Step(ctx, state, node)
		r.flush(ctx, fileID, graph, notify)
		if stepErr != nil {
			if ctx.Err() != nil {
				return r.cancel(ctx, fileID, notify, ctx.Err())
			}
			r.fail(ctx, fileID, notify, stepErr)
			return stepErr
		}
		notify(Notification{Type: "analysis_progress", Data: map[string]any{
			"message":     "Analysis in progress...",
			"token_usage": state.TokenUsage,
		}})
		if next == nodeEnd {
			break
		}
		node = next

		select {
		case <-ctx.Done():
			return r.cancel(ctx, fileID, notify, ctx.Err())
		case <-time.After(r.StepDelay):
		}
	}

	if r.metrics != nil {
		r.metrics.AgentTokens.Observe(float64(state.TokenUsage))
	}
	if state.FinalResult == nil {
		slog.Info("auto-detection ended without final result", "fileId", fileID, "tokens", state.TokenUsage)
		r.setStatus(ctx, fileID, store.ConversationFailed)
		r.recordRun("failed")
		notify(Notification{Type: "detection_failed", Data: map[string]any{
			"message": "Auto-detection completed but no final results were produced.",
		}})
		return nil
	}

	notify(Notification{Type: "analysis_completed", Data: map[string]any{
		"message":      fmt.Sprintf("Multi-agent analysis completed. Found %d events.", len(state.FinalResult)),
		"events_found": len(state.FinalResult),
	}})

	count, err := persistFinalEvents(ctx, r.store, fileID, project, state.FinalResult)
	if err != nil {
		notify(Notification{Type: "error", Data: map[string]any{
			"message": fmt.Sprintf("Failed to save events: %v", err),
		}})
		r.fail(ctx, fileID, notify, err)
		return err
	}
	if r.metrics != nil {
		r.metrics.EventsPersists.Add(float64(count))
	}
	notify(Notification{Type: "events_saved", Data: map[string]any{
		"message":      fmt.Sprintf("Successfully saved %d auto-detected events", count),
		"events_count": count,
	}})
	notify(Notification{Type: "detection_completed", Data: map[string]any{
		"message":      fmt.Sprintf("Auto-detection completed successfully! Detected and saved %d events.", count),
		"total_events": count,
	}})
	r.setStatus(ctx, fileID, store.ConversationCompleted)
	r.recordRun("completed")
	slog.Info("auto-detection completed", "fileId", fileID, "events", count, "tokens", state.TokenUsage, "turns", turns)
	return nil
}

// initialize loads the data and project context and assembles the graph
// with its initial planner state.
func (r *Runner) initialize(ctx context.Context, fileID string) (*Graph, *State, *store.Project, error) {
	file, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("agent: load file %s: %w", fileID, err)
	}
	folder, err := r.store.FolderForFile(ctx, fileID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("agent: resolve folder for %s: %w", fileID, err)
	}
	project, err := r.store.GetProject(ctx, folder.Project.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("agent: resolve project %s: %w", folder.Project.ID, err)
	}

	frame, err := r.loadFrame(file)
	if err != nil {
		return nil, nil, nil, err
	}

	patterns := make(map[string]string, len(project.Classes))
	for _, c := range project.Classes {
		if c.Description != "" {
			patterns[c.Name] = c.Description
		}
	}

	graph := NewGraph(r.chatter, nil, patterns, frame.Describe(), r.metrics)
	for _, name := range []string{AgentPlanner, AgentIdentifier, AgentValidator} {
		agentName := name
		graph.SetViewer(name, NewViewer(frame, r.renderer, func(start, end int) {
			graph.Notify("plot_view_sync", map[string]any{
				"agent":     agentName,
				"start_idx": start,
				"end_idx":   end,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
		}))
	}

	state := &State{
		PlannerMessages: []llm.Message{llm.Text("user", r.plannerInitMessage(project, frame))},
		CurrentAgent:    AgentPlanner,
	}
	if plot, err := graph.viewers[AgentPlanner].PlotAll(); err == nil {
		state.PlannerMessages = append(state.PlannerMessages, toolMessage("plot_all()", plot))
	}
	return graph, state, project, nil
}

// loadFrame reads the parsed channel data. The full JSON artifact is
// preferred; binary-format files fall back to the overview channels.
func (r *Runner) loadFrame(file *store.FileRecord) (*Frame, error) {
	switch {
	case file.JSONPath != "":
		raw, err := os.ReadFile(filepath.Join(r.dataDir, filepath.FromSlash(file.JSONPath)))
		if err != nil {
			return nil, fmt.Errorf("agent: read data: %w", err)
		}
		var traces []series.Trace
		if err := jsonDecode.Unmarshal(raw, &traces); err != nil {
			return nil, fmt.Errorf("agent: decode data: %w", err)
		}
		return FrameFromTraces(traces)
	case file.OverviewPath != "":
		raw, err := os.ReadFile(filepath.Join(r.dataDir, filepath.FromSlash(file.OverviewPath)))
		if err != nil {
			return nil, fmt.Errorf("agent: read overview: %w", err)
		}
		var overview struct {
			Data []series.Trace `json:"data"`
		}
		if err := jsonDecode.Unmarshal(raw, &overview); err != nil {
			return nil, fmt.Errorf("agent: decode overview: %w", err)
		}
		return FrameFromTraces(overview.Data)
	default:
		return nil, fmt.Errorf("agent: file %s has no parsed data", file.ID)
	}
}

func (r *Runner) plannerInitMessage(project *store.Project, frame *Frame) string {
	general := project.GeneralPatternDescription
	if general == "" {
		general = "No general project context provided."
	}

	var names []string
	var patternParts []string
	for _, c := range project.Classes {
		names = append(names, c.Name)
		desc := c.Description
		if desc == "" {
			desc = "No description provided"
		}
		patternParts = append(patternParts, fmt.Sprintf("**%s**:\n  %s", c.Name, desc))
	}
	eventsList := "No events defined"
	if len(names) > 0 {
		eventsList = strings.Join(names, ", ")
	}
	patterns := strings.Join(patternParts, "\n\n")

	return fmt.Sprintf(plannerInitTemplate, general, patterns, frame.Describe(), eventsList)
}

// flush forwards buffered graph notifications to the subscriber and mirrors
// the durable ones into the conversation log.
func (r *Runner) flush(ctx context.Context, fileID string, graph *Graph, notify NotifyFunc) {
	for _, n := range graph.Drain() {
		notify(n)
		switch n.Type {
		case "llm_interaction":
			agentName, _ := n.Data["agent"].(string)
			content, _ := n.Data["received_message"].(string)
			r.appendMessage(ctx, fileID, store.ConversationMessage{
				Role:      agentName,
				Type:      n.Type,
				Content:   content,
				Timestamp: time.Now().UTC(),
			})
		case "plan_updated":
			r.appendMessage(ctx, fileID, store.ConversationMessage{
				Role:      AgentPlanner,
				Type:      n.Type,
				Content:   jsonText(n.Data["plan"]),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (r *Runner) appendMessage(ctx context.Context, fileID string, msg store.ConversationMessage) {
	if err := r.store.AppendConversationMessage(ctx, fileID, store.ConversationDetection, msg); err != nil {
		slog.Error("failed to persist conversation message", "fileId", fileID, "error", err)
	}
}

func (r *Runner) setStatus(ctx context.Context, fileID, status string) {
	if err := r.store.SetConversationStatus(ctx, fileID, store.ConversationDetection, status); err != nil {
		slog.Error("failed to set conversation status", "fileId", fileID, "status", status, "error", err)
	}
}

func (r *Runner) cancel(ctx context.Context, fileID string, notify NotifyFunc, cause error) error {
	// The run context is cancelled; use a detached context for the final
	// status write.
	r.setStatus(context.WithoutCancel(ctx), fileID, store.ConversationCancelled)
	r.recordRun("cancelled")
	notify(Notification{Type: "detection_cancelled", Data: map[string]any{
		"message": "Auto-detection cancelled.",
	}})
	slog.Info("auto-detection cancelled", "fileId", fileID)
	return cause
}

func (r *Runner) fail(ctx context.Context, fileID string, notify NotifyFunc, cause error) {
	r.setStatus(ctx, fileID, store.ConversationFailed)
	r.recordRun("failed")
	notify(Notification{Type: "detection_failed", Data: map[string]any{
		"message": fmt.Sprintf("Auto-detection failed: %v", cause),
	}})
	slog.Error("auto-detection failed", "fileId", fileID, "error", cause)
}

func (r *Runner) recordRun(status string) {
	if r.metrics != nil {
		r.metrics.AgentRuns.WithLabelValues(status).Inc()
	}
}
