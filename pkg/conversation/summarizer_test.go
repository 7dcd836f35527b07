package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/eventlog"
	"interviewer/pkg/llm"
	"interviewer/pkg/progress"
)

func TestParsePatches(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"bare array", `[{"path": "objective01.status", "value": "done"}]`, 1},
		{"fenced array", "```json\n[{\"path\": \"objective01.status\", \"value\": \"done\"}]\n```", 1},
		{"patches field", `{"patches": [{"path": "objective01.count", "value": 2}]}`, 1},
		{"empty array", `[]`, 0},
		{"prose", `I don't think anything changed.`, 0},
		{"missing path", `[{"value": "done"}]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, parsePatches(tt.raw), tt.want)
		})
	}
}

func TestParsePatchesValues(t *testing.T) {
	patches := parsePatches(`[
		{"path": "objective01.status", "value": "done"},
		{"path": "objective01.count", "value": 3}
	]`)
	require.Len(t, patches, 2)
	assert.Equal(t, "objective01.status", patches[0].Path)
	assert.Equal(t, "done", patches[0].Value)
	assert.Equal(t, float64(3), patches[1].Value)
}

func TestModelSummarizer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := eventlog.NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Write(eventlog.NewObjectiveUpdate("conv-a", 1,
		[]byte(`{"objective01":{"status":"current","count":1,"target":3}}`))))

	store := progress.NewMemoryStore()
	require.NoError(t, store.SaveProgress(ctx, "conv-a", progress.Progress{
		Objectives: progress.ObjectiveMap{
			"objective01": {Status: progress.StatusCurrent, Count: 1, Target: 3},
		},
	}))

	client := llm.NewMockClient([]llm.CompletionResponse{
		{Content: `[{"path": "objective01.count", "value": 2}]`},
	}, nil)

	s := NewModelSummarizer(client, store, dir)
	patches, err := s.SummarizePatches(ctx, "conv-a")
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, "objective01.count", patches[0].Path)

	// The model saw the update history, not a transcript.
	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Messages[1].Content, "turn 1")
}

func TestModelSummarizerNoHistory(t *testing.T) {
	client := llm.NewMockClient(nil, nil)
	s := NewModelSummarizer(client, progress.NewMemoryStore(), t.TempDir())

	patches, err := s.SummarizePatches(context.Background(), "conv-a")
	require.NoError(t, err)
	assert.Nil(t, patches)
	assert.Empty(t, client.Requests())
}
