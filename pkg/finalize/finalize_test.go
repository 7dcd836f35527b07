package finalize

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/llm"
	"interviewer/pkg/persistence"
	"interviewer/pkg/progress"
)

func setupConversation(t *testing.T) (*persistence.DatabaseOperations, *progress.Engine, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := persistence.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ops := persistence.NewDatabaseOperations(db)
	engine := progress.NewEngine(ops, nil)

	ctx := context.Background()
	conv, err := ops.CreateConversation(ctx, "user1")
	require.NoError(t, err)

	_, err = ops.AppendMessage(ctx, conv.ID, persistence.RoleUser, "hidden primer", true)
	require.NoError(t, err)
	_, err = ops.AppendMessage(ctx, conv.ID, persistence.RoleAssistant, "Welcome! What brings you here?", false)
	require.NoError(t, err)
	_, err = ops.AppendMessage(ctx, conv.ID, persistence.RoleUser, "I wanted to talk about my project", false)
	require.NoError(t, err)

	require.NoError(t, ops.SaveProgress(ctx, conv.ID, progress.Progress{
		Objectives: progress.ObjectiveMap{
			"objective01": {Status: progress.StatusDone, Count: 3, Target: 3},
			"objective02": {Status: progress.StatusCurrent, Count: 1, Target: 2},
		},
		ReplacedAtTurn: 2,
	}))

	return ops, engine, conv.ID
}

func TestRunComputesFields(t *testing.T) {
	ctx := context.Background()
	ops, engine, convID := setupConversation(t)

	client := llm.NewMockClient([]llm.CompletionResponse{{Content: "A focused chat about a project."}}, nil)
	p := NewPipeline(Deps{Store: ops, Engine: engine, Client: client}, 0, 50)

	require.NoError(t, p.Run(ctx, convID))

	conv, err := ops.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFinalized, conv.Status)
	assert.Equal(t, 75, conv.CompletionPercentage)
	assert.Equal(t, 7, conv.UserWordCount)
	assert.Equal(t, "A focused chat about a project.", conv.Summary)
	require.NotNil(t, conv.EndedAt)

	// Hidden primer dropped, speakers labeled.
	assert.Equal(t,
		"Interviewer: Welcome! What brings you here?\nRespondent: I wanted to talk about my project",
		conv.CleanTranscript)

	// 75% clears the 50% threshold.
	usage, err := ops.GetUsage(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage)
}

func TestRunIdempotent(t *testing.T) {
	ctx := context.Background()
	ops, engine, convID := setupConversation(t)

	client := llm.NewMockClient([]llm.CompletionResponse{
		{Content: "First summary."},
		{Content: "Second summary that must never be generated."},
	}, nil)
	p := NewPipeline(Deps{Store: ops, Engine: engine, Client: client}, 0, 50)

	require.NoError(t, p.Run(ctx, convID))
	require.NoError(t, p.Run(ctx, convID))

	conv, err := ops.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "First summary.", conv.Summary)

	usage, err := ops.GetUsage(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage)

	// Only the first run called the model.
	assert.Len(t, client.Requests(), 1)
}

func TestSummaryFailureTolerated(t *testing.T) {
	ctx := context.Background()
	ops, engine, convID := setupConversation(t)

	client := llm.NewMockClient(nil, []error{fmt.Errorf("model unavailable")})
	p := NewPipeline(Deps{Store: ops, Engine: engine, Client: client}, 0, 50)

	require.NoError(t, p.Run(ctx, convID))

	conv, err := ops.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFinalized, conv.Status)
	assert.Empty(t, conv.Summary)
	assert.Equal(t, 75, conv.CompletionPercentage)
}

func TestThresholdGatesUsage(t *testing.T) {
	ctx := context.Background()
	ops, engine, convID := setupConversation(t)

	require.NoError(t, ops.SaveProgress(ctx, convID, progress.Progress{
		Objectives: progress.ObjectiveMap{
			"objective01": {Status: progress.StatusCurrent, Count: 1, Target: 3},
			"objective02": {Status: progress.StatusTBC, Target: 2},
		},
	}))

	client := llm.NewMockClient([]llm.CompletionResponse{{Content: "Short summary."}}, nil)
	p := NewPipeline(Deps{Store: ops, Engine: engine, Client: client}, 0, 50)

	require.NoError(t, p.Run(ctx, convID))

	// 25% is under the threshold: no usage credit, but still a summary
	// since completion is nonzero.
	usage, err := ops.GetUsage(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage)

	conv, err := ops.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "Short summary.", conv.Summary)
}

func TestZeroCompletionSkipsSummary(t *testing.T) {
	ctx := context.Background()
	ops, engine, convID := setupConversation(t)

	require.NoError(t, ops.SaveProgress(ctx, convID, progress.Progress{
		Objectives: progress.ObjectiveMap{
			"objective01": {Status: progress.StatusTBC, Target: 3},
		},
	}))

	client := llm.NewMockClient(nil, nil)
	p := NewPipeline(Deps{Store: ops, Engine: engine, Client: client}, 0, 50)

	require.NoError(t, p.Run(ctx, convID))
	assert.Empty(t, client.Requests())
}

func TestRunMissingConversation(t *testing.T) {
	ops, engine, _ := setupConversation(t)
	p := NewPipeline(Deps{Store: ops, Engine: engine}, 0, 50)
	assert.ErrorIs(t, p.Run(context.Background(), "conv-missing"), persistence.ErrNotFound)
}

func TestCleanTranscript(t *testing.T) {
	messages := []persistence.Message{
		{Role: persistence.RoleUser, Content: "primer", Hidden: true},
		{Role: persistence.RoleSystem, Content: "system note"},
		{Role: persistence.RoleAssistant, Content: "Hello"},
		{Role: persistence.RoleUser, Content: "Hi there"},
	}
	assert.Equal(t, "Interviewer: Hello\nRespondent: Hi there", CleanTranscript(messages))
	assert.Empty(t, CleanTranscript(nil))
}
