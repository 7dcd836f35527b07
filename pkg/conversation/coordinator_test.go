package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/config"
	"interviewer/pkg/llm"
	"interviewer/pkg/progress"
)

const allDoneReply = `{"response": "Thank you for your time, goodbye!", "currentObjectives": {
	"objective01": {"status": "done", "count": 3, "target": 3},
	"objective02": {"status": "done", "count": 2, "target": 2}}}`

const midwayReply = `{"response": "Tell me more about that.", "currentObjectives": {
	"objective01": {"status": "done", "count": 3, "target": 3},
	"objective02": {"status": "current", "count": 1, "target": 2}}}`

type fakeFinalizer struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeFinalizer) Run(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return nil
}

func (f *fakeFinalizer) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// blockingClient holds every Complete call until the test releases it.
type blockingClient struct {
	mu      sync.Mutex
	reqs    []llm.CompletionRequest
	started chan struct{}
	release chan llm.CompletionResponse
}

func newBlockingClient() *blockingClient {
	return &blockingClient{
		started: make(chan struct{}, 8),
		release: make(chan llm.CompletionResponse, 8),
	}
}

func (b *blockingClient) Complete(_ context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, in)
	b.mu.Unlock()
	b.started <- struct{}{}
	return <-b.release, nil
}

func (b *blockingClient) Stream(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, fmt.Errorf("not implemented")
}

func (b *blockingClient) Requests() []llm.CompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.CompletionRequest{}, b.reqs...)
}

func newTestCoordinator(client llm.Client, fin Finalizer) (*Coordinator, *progress.Engine) {
	engine := progress.NewEngine(progress.NewMemoryStore(), nil)
	c := New(Deps{
		Client:    client,
		Engine:    engine,
		Finalizer: fin,
	}, Options{
		ConvID:       "conv-test",
		UserID:       "user1",
		SystemPrompt: "You are an interviewer.",
	})
	return c, engine
}

func TestPrimerFlow(t *testing.T) {
	client := llm.NewMockClient([]llm.CompletionResponse{
		{Content: `{"response": "Welcome! What brings you here today?"}`},
	}, nil)
	c, _ := newTestCoordinator(client, &fakeFinalizer{})

	require.NoError(t, c.Start(context.Background()))
	c.WaitPrimer()

	assert.Equal(t, StateReady, c.State())
	entries := c.Transcript()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryRoleAssistant, entries[0].Role)
	assert.Equal(t, "Welcome! What brings you here today?", entries[0].Text)
	assert.False(t, entries[0].IsTyping)
}

func TestStartTwiceRejected(t *testing.T) {
	client := llm.NewMockClient([]llm.CompletionResponse{{Content: `{"response": "hi"}`}}, nil)
	c, _ := newTestCoordinator(client, &fakeFinalizer{})

	require.NoError(t, c.Start(context.Background()))
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	c.WaitPrimer()
}

func TestQueueSingleSlot(t *testing.T) {
	ctx := context.Background()
	client := newBlockingClient()
	c, _ := newTestCoordinator(client, &fakeFinalizer{})

	require.NoError(t, c.Start(ctx))
	<-client.started // primer call is in flight

	require.NoError(t, c.Submit(ctx, "message A"))
	require.NoError(t, c.Submit(ctx, "message B"))

	// Both submissions are visible immediately.
	entries := c.Transcript()
	require.Len(t, entries, 3)
	assert.Equal(t, "message A", entries[1].Text)
	assert.Equal(t, "message B", entries[2].Text)

	client.release <- llm.CompletionResponse{Content: `{"response": "Welcome!"}`}
	<-client.started // queued turn went out
	client.release <- llm.CompletionResponse{Content: `{"response": "I see."}`}
	c.WaitPrimer()

	require.Eventually(t, func() bool { return c.State() == StateReady && len(client.Requests()) == 2 },
		time.Second, 5*time.Millisecond)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	// Only B was sent; A never reached the model.
	turn := reqs[1]
	var sawA, sawB bool
	for _, m := range turn.Messages {
		if strings.Contains(m.Content, "message A") {
			sawA = true
		}
		if strings.Contains(m.Content, "message B") {
			sawB = true
		}
	}
	assert.False(t, sawA)
	assert.True(t, sawB)
}

func TestPrimerFailureUnblocks(t *testing.T) {
	client := llm.NewMockClient(nil, []error{fmt.Errorf("network down")})
	c, _ := newTestCoordinator(client, &fakeFinalizer{})

	require.NoError(t, c.Start(context.Background()))
	c.WaitPrimer()

	assert.Equal(t, StateReady, c.State())
	entries := c.Transcript()
	require.Len(t, entries, 1)
	assert.Equal(t, apologyText, entries[0].Text)
}

func TestPrimerFailureKeepsCachedOpener(t *testing.T) {
	client := llm.NewMockClient(nil, []error{fmt.Errorf("network down")})
	engine := progress.NewEngine(progress.NewMemoryStore(), nil)
	c := New(Deps{Client: client, Engine: engine, Finalizer: &fakeFinalizer{}}, Options{
		ConvID:       "conv-test",
		CachedOpener: "Hello! Ready when you are.",
	})

	require.NoError(t, c.Start(context.Background()))
	c.WaitPrimer()

	assert.Equal(t, StateReady, c.State())
	entries := c.Transcript()
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello! Ready when you are.", entries[0].Text)
}

func TestTransportFailureYieldsApology(t *testing.T) {
	ctx := context.Background()
	client := llm.NewMockClient([]llm.CompletionResponse{
		{Content: `{"response": "Welcome!"}`},
		{Content: `{"response": "Got it this time."}`},
	}, []error{nil, fmt.Errorf("timeout")})
	c, _ := newTestCoordinator(client, &fakeFinalizer{})

	require.NoError(t, c.Start(ctx))
	c.WaitPrimer()

	require.NoError(t, c.Submit(ctx, "my answer"))
	entries := c.Transcript()
	assert.Equal(t, apologyText, entries[len(entries)-1].Text)
	assert.Equal(t, StateReady, c.State())

	// Resending works and the failed turn is not duplicated in the replay.
	require.NoError(t, c.Submit(ctx, "my answer"))
	entries = c.Transcript()
	assert.Equal(t, "Got it this time.", entries[len(entries)-1].Text)

	reqs := client.Requests()
	last := reqs[len(reqs)-1]
	count := 0
	for _, m := range last.Messages {
		if m.Content == "my answer" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEndConditionConjunction(t *testing.T) {
	ctx := context.Background()

	t.Run("closing phrase without done objectives", func(t *testing.T) {
		fin := &fakeFinalizer{}
		client := llm.NewMockClient([]llm.CompletionResponse{
			{Content: midwayReply},
			{Content: `{"response": "Thanks, goodbye!"}`},
		}, nil)
		c, _ := newTestCoordinator(client, fin)
		require.NoError(t, c.Start(ctx))
		c.WaitPrimer()

		require.NoError(t, c.Submit(ctx, "an answer"))
		assert.Equal(t, StateReady, c.State())
		assert.Equal(t, 0, fin.Runs())
	})

	t.Run("done objectives without closing phrase", func(t *testing.T) {
		fin := &fakeFinalizer{}
		client := llm.NewMockClient([]llm.CompletionResponse{
			{Content: `{"response": "Welcome!"}`},
			{Content: `{"response": "Interesting, noted.", "currentObjectives": {
				"objective01": {"status": "done", "count": 3, "target": 3}}}`},
		}, nil)
		c, _ := newTestCoordinator(client, fin)
		require.NoError(t, c.Start(ctx))
		c.WaitPrimer()

		require.NoError(t, c.Submit(ctx, "an answer"))
		assert.Equal(t, StateReady, c.State())
		assert.Equal(t, 0, fin.Runs())
	})

	t.Run("both conditions finalize once", func(t *testing.T) {
		fin := &fakeFinalizer{}
		client := llm.NewMockClient([]llm.CompletionResponse{
			{Content: `{"response": "Welcome!"}`},
			{Content: allDoneReply},
		}, nil)
		c, _ := newTestCoordinator(client, fin)
		require.NoError(t, c.Start(ctx))
		c.WaitPrimer()

		require.NoError(t, c.Submit(ctx, "an answer"))
		assert.Equal(t, StateFinished, c.State())
		assert.Equal(t, 1, fin.Runs())

		// Input is disabled after finishing.
		assert.Error(t, c.Submit(ctx, "one more thing"))
	})
}

func TestFollowUpDuringGraceKeepsConversationOpen(t *testing.T) {
	ctx := context.Background()
	fin := &fakeFinalizer{}
	client := llm.NewMockClient([]llm.CompletionResponse{
		{Content: `{"response": "Welcome!"}`},
		{Content: allDoneReply},
		{Content: `{"response": "Actually, one more thing to explore."}`},
	}, nil)
	engine := progress.NewEngine(progress.NewMemoryStore(), nil)
	c := New(Deps{Client: client, Engine: engine, Finalizer: fin}, Options{
		ConvID: "conv-test",
		Timing: config.TimingConfig{GracePeriod: 300 * time.Millisecond},
	})
	require.NoError(t, c.Start(ctx))
	c.WaitPrimer()

	// The sign-off turn blocks inside the grace delay; the user changes their
	// mind partway through it.
	signOffDone := make(chan struct{})
	go func() {
		defer close(signOffDone)
		_ = c.Submit(ctx, "that covers everything")
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Submit(ctx, "wait, one more thing"))
	<-signOffDone

	// The follow-up turn carried no sign-off, so the earlier end candidate is
	// void even though every objective is still done.
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 0, fin.Runs())
	entries := c.Transcript()
	assert.Equal(t, "Actually, one more thing to explore.", entries[len(entries)-1].Text)
	assert.True(t, engine.AllDone(ctx, "conv-test"))

	c.Wait()
}

func TestStaleResponseDiscarded(t *testing.T) {
	ctx := context.Background()
	client := newBlockingClient()
	fin := &fakeFinalizer{}
	c, _ := newTestCoordinator(client, fin)

	require.NoError(t, c.Start(ctx))
	<-client.started

	require.NoError(t, c.Abandon(ctx))
	assert.Equal(t, StateFinished, c.State())
	assert.Equal(t, 1, fin.Runs())

	client.release <- llm.CompletionResponse{Content: `{"response": "too late"}`}
	c.WaitPrimer()

	// The late primer response changed nothing.
	assert.Equal(t, StateFinished, c.State())
	for _, e := range c.Transcript() {
		assert.NotEqual(t, "too late", e.Text)
	}

	// Abandoning again is a no-op.
	require.NoError(t, c.Abandon(ctx))
	assert.Equal(t, 1, fin.Runs())
}

type fixedSummarizer struct {
	patches []progress.Patch
}

func (s *fixedSummarizer) SummarizePatches(context.Context, string) ([]progress.Patch, error) {
	return s.patches, nil
}

func TestSummarizerPatchesApplied(t *testing.T) {
	ctx := context.Background()
	store := progress.NewMemoryStore()
	engine := progress.NewEngine(store, nil)
	client := llm.NewMockClient([]llm.CompletionResponse{
		{Content: `{"response": "Welcome!", "currentObjectives": {
			"objective01": {"status": "current", "count": 1, "target": 3}}}`},
		{Content: `{"response": "Tell me more."}`}, // no wholesale replacement
	}, nil)
	c := New(Deps{
		Client:     client,
		Engine:     engine,
		Finalizer:  &fakeFinalizer{},
		Summarizer: &fixedSummarizer{patches: []progress.Patch{{Path: "objective01.status", Value: "done"}}},
	}, Options{ConvID: "conv-test"})

	require.NoError(t, c.Start(ctx))
	c.WaitPrimer()
	require.NoError(t, c.Submit(ctx, "an answer"))
	c.Wait()

	p, err := store.GetProgress(ctx, "conv-test")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusDone, p.Objectives["objective01"].Status)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, isValidTransition(StateNotStarted, StatePrimerInFlight))
	assert.True(t, isValidTransition(StatePrimerInFlight, StateReady))
	assert.True(t, isValidTransition(StateReady, StateSending))
	assert.True(t, isValidTransition(StateSending, StateReady))
	assert.True(t, isValidTransition(StateSending, StateFinished))

	assert.False(t, isValidTransition(StateNotStarted, StateReady))
	assert.False(t, isValidTransition(StateReady, StatePrimerInFlight))
	assert.False(t, isValidTransition(StateFinished, StateReady))
	assert.False(t, isValidTransition(StatePrimerInFlight, StateSending))
}
