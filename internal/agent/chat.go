package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/series"
	"github.com/tracelab/backend/internal/store"
)

const (
	chatDefaultUserName  = "AI Assistant"
	chatEventDescription = "created with chat"

	// maxChatToolRounds bounds the tool loop of a single user turn.
	maxChatToolRounds = 5
)

// ChatContext identifies who is talking about which file. It is threaded
// through every tool execution instead of living in package state.
type ChatContext struct {
	FileID   string
	UserName string
}

// Labeler returns the name to record on events created in this context.
func (c ChatContext) Labeler() string {
	if c.UserName == "" {
		return chatDefaultUserName
	}
	return c.UserName
}

// ChatAgent answers labeling questions over one file and exposes two native
// tools to the model: add_event and add_guideline. Tool side effects go
// through the store; progress surfaces through the notify callback.
type ChatAgent struct {
	chatter llm.Chatter
	store   Store
	dataDir string
}

// NewChatAgent builds a chat agent over the given store and data directory.
func NewChatAgent(chatter llm.Chatter, st Store, dataDir string) *ChatAgent {
	return &ChatAgent{chatter: chatter, store: st, dataDir: dataDir}
}

var chatTools = []llm.Tool{
	{
		Type: "function",
		Function: llm.Function{
			Name:        "add_event",
			Description: "Add a labeled event to the current file. The class name must be one of the project's classes.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"class_name": {"type": "string", "description": "Name of the event class"},
					"start": {"type": "number", "description": "Start position on the x axis"},
					"end": {"type": "number", "description": "End position on the x axis"},
					"description": {"type": "string", "description": "Optional event description"}
				},
				"required": ["class_name", "start", "end"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.Function{
			Name:        "add_guideline",
			Description: "Add a horizontal guideline to a channel of the current file at a given y value.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel_name": {"type": "string", "description": "Channel the guideline belongs to"},
					"value": {"type": "number", "description": "Y value of the guideline"},
					"description": {"type": "string", "description": "Optional guideline description"}
				},
				"required": ["channel_name", "value"]
			}`),
		},
	},
}

// Respond runs one user turn: the message is appended to history, the model
// is invoked with the chat tools, and tool calls are executed until the
// model produces a plain reply. The returned history includes the full turn.
func (a *ChatAgent) Respond(ctx context.Context, cc ChatContext, history []llm.Message, message string, notify NotifyFunc) (string, []llm.Message, error) {
	if notify == nil {
		notify = func(Notification) {}
	}
	system, project, err := a.systemPrompt(ctx, cc.FileID)
	if err != nil {
		return "", history, err
	}

	msgs := append([]llm.Message{llm.Text("system", system)}, history...)
	msgs = append(msgs, llm.Text("user", message))

	for round := 0; round < maxChatToolRounds; round++ {
		resp, err := a.chatter.Chat(ctx, llm.Request{Messages: msgs, Tools: chatTools})
		if err != nil {
			return "", history, fmt.Errorf("agent: chat completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			msgs = append(msgs, llm.Text("assistant", resp.Content))
			return resp.Content, msgs[1:], nil
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := a.runChatTool(ctx, cc, project, call, notify)
			msgs = append(msgs, llm.ToolMessage(call.ID, result))
		}
	}

	// The model kept calling tools; stop the turn with what we have.
	const reply = "I have applied the requested changes."
	msgs = append(msgs, llm.Text("assistant", reply))
	return reply, msgs[1:], nil
}

func (a *ChatAgent) runChatTool(ctx context.Context, cc ChatContext, project *store.Project, call llm.ToolCall, notify NotifyFunc) string {
	var result string
	var err error
	switch call.Function.Name {
	case "add_event":
		result, err = a.addEvent(ctx, cc, project, call.Function.Arguments, notify)
	case "add_guideline":
		result, err = a.addGuideline(ctx, cc, call.Function.Arguments, notify)
	default:
		err = fmt.Errorf("unknown tool %q", call.Function.Name)
	}
	if err != nil {
		slog.Warn("chat tool failed", "fileId", cc.FileID, "tool", call.Function.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

func (a *ChatAgent) addEvent(ctx context.Context, cc ChatContext, project *store.Project, rawArgs string, notify NotifyFunc) (string, error) {
	var args struct {
		ClassName   string  `json:"class_name"`
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Description string  `json:"description"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("decode add_event arguments: %w", err)
	}
	if !hasClass(project, args.ClassName) {
		return fmt.Sprintf("Error: Class '%s' not found. Available classes: %s",
			args.ClassName, strings.Join(classNames(project), ", ")), nil
	}
	if args.Description == "" {
		args.Description = chatEventDescription
	}

	file, err := a.store.GetFile(ctx, cc.FileID)
	if err != nil {
		return "", fmt.Errorf("load file %s: %w", cc.FileID, err)
	}
	if file.Label == "" {
		return "", fmt.Errorf("file %s has no label record", cc.FileID)
	}

	event := store.LabelEvent{
		ClassName:   args.ClassName,
		Color:       project.ClassColor(args.ClassName, defaultEventColor),
		Description: args.Description,
		Labeler:     cc.Labeler(),
		Start:       args.Start,
		End:         args.End,
		Hide:        false,
	}
	if err := a.store.AppendEvents(ctx, file.Label, []store.LabelEvent{event}); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	nbEvent, err := a.countEvents(ctx, file.Label)
	if err != nil {
		return "", err
	}
	if err := a.store.UpdateFile(ctx, cc.FileID, map[string]any{
		"nbEvent":      nbEvent,
		"lastModifier": cc.Labeler(),
		"lastUpdate":   time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("stamp file %s: %w", cc.FileID, err)
	}

	notify(Notification{Type: "event_added", Data: map[string]any{
		"event":   event,
		"message": fmt.Sprintf("Added %s event from %v to %v", args.ClassName, args.Start, args.End),
	}})
	return fmt.Sprintf("Successfully added %s event from %v to %v", args.ClassName, args.Start, args.End), nil
}

func (a *ChatAgent) addGuideline(ctx context.Context, cc ChatContext, rawArgs string, notify NotifyFunc) (string, error) {
	var args struct {
		ChannelName string  `json:"channel_name"`
		Value       float64 `json:"value"`
		Description string  `json:"description"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("decode add_guideline arguments: %w", err)
	}

	file, err := a.store.GetFile(ctx, cc.FileID)
	if err != nil {
		return "", fmt.Errorf("load file %s: %w", cc.FileID, err)
	}
	if file.Label == "" {
		return "", fmt.Errorf("file %s has no label record", cc.FileID)
	}

	guideline := store.Guideline{
		YAxis:       "y",
		Y:           args.Value,
		ChannelName: args.ChannelName,
		Color:       defaultEventColor,
		Hide:        false,
	}
	if err := a.store.AppendGuidelines(ctx, file.Label, []store.Guideline{guideline}); err != nil {
		return "", fmt.Errorf("append guideline: %w", err)
	}

	notify(Notification{Type: "guideline_added", Data: map[string]any{
		"guideline": guideline,
		"message":   fmt.Sprintf("Added guideline at y=%v on channel %s", args.Value, args.ChannelName),
	}})
	return fmt.Sprintf("Successfully added guideline at y=%v on channel %s", args.Value, args.ChannelName), nil
}

// countEvents rebuilds the file's nbEvent summary ("3 by alice; 1 by bob")
// from the label's current event list.
func (a *ChatAgent) countEvents(ctx context.Context, labelID string) (string, error) {
	label, err := a.store.GetLabel(ctx, labelID)
	if err != nil {
		return "", fmt.Errorf("load label %s: %w", labelID, err)
	}
	counts := make(map[string]int)
	for _, e := range label.Events {
		counts[e.Labeler]++
	}
	labelers := make([]string, 0, len(counts))
	for name := range counts {
		labelers = append(labelers, name)
	}
	sort.Strings(labelers)

	parts := make([]string, 0, len(labelers))
	for _, name := range labelers {
		parts = append(parts, fmt.Sprintf("%d by %s", counts[name], name))
	}
	return strings.Join(parts, "; "), nil
}

// systemPrompt assembles the model's context: project palette, file identity
// and channel names when the parsed data is readable.
func (a *ChatAgent) systemPrompt(ctx context.Context, fileID string) (string, *store.Project, error) {
	file, err := a.store.GetFile(ctx, fileID)
	if err != nil {
		return "", nil, fmt.Errorf("agent: load file %s: %w", fileID, err)
	}
	folder, err := a.store.FolderForFile(ctx, fileID)
	if err != nil {
		return "", nil, fmt.Errorf("agent: resolve folder for %s: %w", fileID, err)
	}
	project, err := a.store.GetProject(ctx, folder.Project.ID)
	if err != nil {
		return "", nil, fmt.Errorf("agent: resolve project %s: %w", folder.Project.ID, err)
	}

	var b strings.Builder
	b.WriteString("You are a labeling assistant for time-series data. ")
	b.WriteString("You help the user inspect the current file and can add events and guidelines with your tools.\n\n")
	fmt.Fprintf(&b, "Project: %s\n", project.ProjectName)
	fmt.Fprintf(&b, "File: %s\n", file.Name)
	if len(project.Classes) > 0 {
		b.WriteString("Available event classes:\n")
		for _, c := range project.Classes {
			fmt.Fprintf(&b, "- %s (color %s)", c.Name, c.Color)
			if c.Description != "" {
				fmt.Fprintf(&b, ": %s", c.Description)
			}
			b.WriteString("\n")
		}
	}
	if channels := a.channelNames(file); len(channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(channels, ", "))
	}
	b.WriteString("\nOnly add events with classes from the list above. ")
	b.WriteString("When the user asks for changes you cannot make with your tools, explain what they should do instead.")
	return b.String(), project, nil
}

// channelNames reads just the trace names from the parsed artifact; failures
// degrade to an empty list rather than blocking the chat.
func (a *ChatAgent) channelNames(file *store.FileRecord) []string {
	path := file.JSONPath
	if path == "" {
		path = file.OverviewPath
	}
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(a.dataDir, filepath.FromSlash(path)))
	if err != nil {
		return nil
	}
	var traces []series.Trace
	if err := jsonDecode.Unmarshal(raw, &traces); err != nil {
		var overview struct {
			Data []series.Trace `json:"data"`
		}
		if err := jsonDecode.Unmarshal(raw, &overview); err != nil {
			return nil
		}
		traces = overview.Data
	}
	var names []string
	for _, t := range traces {
		if !t.X {
			names = append(names, t.Name)
		}
	}
	return names
}

func hasClass(p *store.Project, name string) bool {
	for _, c := range p.Classes {
		if c.Name == name {
			return true
		}
	}
	return false
}

func classNames(p *store.Project) []string {
	out := make([]string, 0, len(p.Classes))
	for _, c := range p.Classes {
		out = append(out, c.Name)
	}
	return out
}
