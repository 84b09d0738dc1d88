package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/series"
	"github.com/tracelab/backend/internal/store"
)

// seedDetectionFixture writes a parsed data file and the documents a run
// needs: project with a spike class, folder, file and an empty label.
func seedDetectionFixture(t *testing.T, st *store.Memory, dataDir string) {
	t.Helper()
	ctx := context.Background()

	xs := make([]float64, 100)
	ys := make([]float64, 100)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = 1
	}
	ys[15] = 40
	raw, err := json.Marshal([]series.Trace{
		{X: true, Name: "x", Unit: "s", Data: xs},
		{Name: "temp", Unit: "C", Data: ys},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "data.json"), raw, 0o644))

	require.NoError(t, st.CreateProject(ctx, &store.Project{
		ID:          "p1",
		ProjectName: "thermal",
		Classes: []store.ProjectClass{
			{Name: "spike", Color: "#FF0000", Description: "A sharp temperature spike"},
		},
	}))
	require.NoError(t, st.CreateFolder(ctx, &store.Folder{
		ID:       "fo1",
		Name:     "runs",
		Project:  store.IDReference{ID: "p1", Name: "thermal"},
		FileList: []string{"f1"},
	}))
	require.NoError(t, st.CreateLabel(ctx, &store.LabelRecord{ID: "l1"}))
	require.NoError(t, st.CreateFile(ctx, &store.FileRecord{
		ID:       "f1",
		Name:     "run-01.csv",
		JSONPath: "data.json",
		Label:    "l1",
		Parsing:  store.ParsingParsed,
	}))
}

func newTestRunner(t *testing.T, chatter llm.Chatter) (*Runner, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	dataDir := t.TempDir()
	seedDetectionFixture(t, st, dataDir)
	r := NewRunner(chatter, st, dataDir, &stubRenderer{}, nil)
	r.StepDelay = 0
	return r, st
}

func TestRunnerHappyPath(t *testing.T) {
	event := Event{
		EventID: "e1", EventName: "spike", StartIndex: 12, EndIndex: 18,
		NeedVerification: false, VerificationResult: VerificationPending,
	}
	chatter := &scriptChatter{responses: []*llm.Response{
		structuredResponse(t, plannerResponse{
			RawMessage: "Planning.",
			AdditionalInfo: &AdditionalInfo{Plan: []PlanItem{
				{TaskID: "t1", TaskDescription: "find spikes", TaskType: "identification"},
			}},
		}, 100),
		structuredResponse(t, plannerResponse{
			RawMessage: "Assigning t1.",
			AdditionalInfo: &AdditionalInfo{IdentifierTask: &IdentifierTask{
				TaskID: "t1", EventsName: []string{"spike"}, PotentialWindows: [][2]int{{10, 20}},
			}},
		}, 100),
		structuredResponse(t, identifierResponse{
			RawMessage: "Found it.",
			TaskResult: &IdentifierResult{TaskID: "t1", Status: true, EventsFound: []Event{event}},
		}, 100),
		structuredResponse(t, plannerResponse{
			RawMessage:     "Finalizing.",
			AdditionalInfo: &AdditionalInfo{FinalResult: []FinalEvent{{EventName: "spike", Start: 12, End: 18}}},
		}, 100),
	}}
	r, st := newTestRunner(t, chatter)

	var types []string
	err := r.Run(context.Background(), "f1", func(n Notification) {
		types = append(types, n.Type)
	})
	require.NoError(t, err)

	label, err := st.GetLabel(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, label.Events, 1)
	assert.Equal(t, "spike", label.Events[0].ClassName)
	assert.Equal(t, "#FF0000", label.Events[0].Color)
	assert.Equal(t, autoDetectLabeler, label.Events[0].Labeler)
	assert.Equal(t, float64(12), label.Events[0].Start)
	assert.Equal(t, float64(18), label.Events[0].End)
	assert.True(t, label.Events[0].AutoDetected)

	file, err := st.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, autoDetectLabeler, file.LastModifier)

	conv, err := st.GetConversation(context.Background(), "f1", store.ConversationDetection)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationCompleted, conv.Status)
	assert.NotEmpty(t, conv.History)

	assert.Equal(t, "detection_started", types[0])
	assert.Contains(t, types, "analysis_started")
	assert.Contains(t, types, "plan_updated")
	assert.Contains(t, types, "task_completed")
	assert.Contains(t, types, "events_saved")
	assert.Equal(t, "detection_completed", types[len(types)-1])
}

func TestRunnerCancellation(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	plan := &AdditionalInfo{Plan: []PlanItem{{TaskID: "t1", TaskType: "identification"}}}
	chatter := &scriptChatter{
		responses: []*llm.Response{
			structuredResponse(t, plannerResponse{RawMessage: "Planning.", AdditionalInfo: plan}, 100),
			structuredResponse(t, plannerResponse{RawMessage: "Planning.", AdditionalInfo: plan}, 100),
		},
	}
	chatter.onCall = func(call int) {
		if call == 1 {
			cancelRun()
		}
	}
	r, st := newTestRunner(t, chatter)

	var types []string
	err := r.Run(ctx, "f1", func(n Notification) {
		types = append(types, n.Type)
	})
	assert.ErrorIs(t, err, context.Canceled)

	conv, err := st.GetConversation(context.Background(), "f1", store.ConversationDetection)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationCancelled, conv.Status)
	assert.Contains(t, types, "detection_cancelled")

	label, err := st.GetLabel(context.Background(), "l1")
	require.NoError(t, err)
	assert.Empty(t, label.Events)
}

func TestRunnerBudgetExhaustedWithoutResult(t *testing.T) {
	chatter := &scriptChatter{responses: []*llm.Response{
		structuredResponse(t, plannerResponse{
			RawMessage:     "Planning forever.",
			AdditionalInfo: &AdditionalInfo{Plan: []PlanItem{{TaskID: "t1"}}},
		}, PlannerTokenBudget+1),
	}}
	r, st := newTestRunner(t, chatter)

	var types []string
	err := r.Run(context.Background(), "f1", func(n Notification) {
		types = append(types, n.Type)
	})
	require.NoError(t, err)

	conv, err := st.GetConversation(context.Background(), "f1", store.ConversationDetection)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationFailed, conv.Status)
	assert.Contains(t, types, "detection_failed")

	label, err := st.GetLabel(context.Background(), "l1")
	require.NoError(t, err)
	assert.Empty(t, label.Events)
}

func TestRunnerRecursionLimitStopsLoop(t *testing.T) {
	stall := structuredResponse(t, plannerResponse{RawMessage: "Thinking."}, 10)
	responses := make([]*llm.Response, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, stall)
	}
	chatter := &scriptChatter{responses: responses}
	r, st := newTestRunner(t, chatter)
	r.RecursionLimit = 3

	err := r.Run(context.Background(), "f1", nil)
	require.NoError(t, err)

	assert.Len(t, chatter.reqs, 3)
	conv, err := st.GetConversation(context.Background(), "f1", store.ConversationDetection)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationFailed, conv.Status)
}

func TestRunnerFailsWithoutParsedData(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &store.Project{ID: "p1"}))
	require.NoError(t, st.CreateFolder(ctx, &store.Folder{
		ID: "fo1", Project: store.IDReference{ID: "p1"}, FileList: []string{"f1"},
	}))
	require.NoError(t, st.CreateFile(ctx, &store.FileRecord{ID: "f1", Name: "raw.csv"}))

	r := NewRunner(&scriptChatter{}, st, t.TempDir(), &stubRenderer{}, nil)
	r.StepDelay = 0

	var types []string
	err := r.Run(ctx, "f1", func(n Notification) { types = append(types, n.Type) })
	assert.Error(t, err)
	assert.Contains(t, types, "detection_failed")

	conv, err := st.GetConversation(ctx, "f1", store.ConversationDetection)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationFailed, conv.Status)
}
