package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/tracelab/backend/internal/store"
)

const (
	autoDetectLabeler     = "AI Multi-Agent"
	autoDetectDescription = "Auto-detected: Multi-agent detection"
	defaultEventColor     = "#FF6B6B"
)

// persistFinalEvents appends the run's final events to the file's label and
// stamps the file record. Colors come from the project class palette.
func persistFinalEvents(ctx context.Context, st Store, fileID string, project *store.Project, events []FinalEvent) (int, error) {
	file, err := st.GetFile(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("agent: load file %s: %w", fileID, err)
	}
	if file.Label == "" {
		return 0, fmt.Errorf("agent: file %s has no label record", fileID)
	}

	labelEvents := make([]store.LabelEvent, 0, len(events))
	for _, e := range events {
		labelEvents = append(labelEvents, store.LabelEvent{
			ClassName:    e.EventName,
			Color:        project.ClassColor(e.EventName, defaultEventColor),
			Description:  autoDetectDescription,
			Labeler:      autoDetectLabeler,
			Start:        float64(e.Start),
			End:          float64(e.End),
			Hide:         false,
			AutoDetected: true,
		})
	}
	if err := st.AppendEvents(ctx, file.Label, labelEvents); err != nil {
		return 0, fmt.Errorf("agent: append events to label %s: %w", file.Label, err)
	}

	if err := st.UpdateFile(ctx, fileID, map[string]any{
		"lastModifier": autoDetectLabeler,
		"lastUpdate":   time.Now().UTC(),
	}); err != nil {
		return 0, fmt.Errorf("agent: stamp file %s: %w", fileID, err)
	}
	return len(labelEvents), nil
}
