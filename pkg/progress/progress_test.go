package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionPercentage(t *testing.T) {
	tests := []struct {
		name string
		om   ObjectiveMap
		want int
	}{
		{"empty map", ObjectiveMap{}, 0},
		{"nil map", nil, 0},
		{"all tbc", ObjectiveMap{
			"a": {Status: StatusTBC},
			"b": {Status: StatusTBC},
		}, 0},
		{"all done", ObjectiveMap{
			"a": {Status: StatusDone},
			"b": {Status: StatusDone},
		}, 100},
		{"one current of two", ObjectiveMap{
			"a": {Status: StatusCurrent},
			"b": {Status: StatusTBC},
		}, 25},
		{"default skeleton", DefaultObjectives(), 10},
		{"rounding", ObjectiveMap{
			"a": {Status: StatusDone},
			"b": {Status: StatusTBC},
			"c": {Status: StatusTBC},
		}, 33},
		{"unknown status counts as tbc", ObjectiveMap{
			"a": {Status: "bogus"},
			"b": {Status: StatusDone},
		}, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompletionPercentage(tt.om)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

func TestCompletionMonotonicOnStatusAdvance(t *testing.T) {
	om := DefaultObjectives()
	prev := CompletionPercentage(om)

	for _, key := range om.Keys() {
		obj := om[key]
		obj.Status = StatusDone
		om[key] = obj
		cur := CompletionPercentage(om)
		assert.GreaterOrEqual(t, cur, prev, "completion must not decrease as objectives finish")
		prev = cur
	}
	assert.Equal(t, 100, prev)
}

func TestCompletionFromJSON(t *testing.T) {
	assert.Equal(t, 0, CompletionFromJSON(""))
	assert.Equal(t, 0, CompletionFromJSON("not json at all"))
	assert.Equal(t, 0, CompletionFromJSON(`{"a": "wrong shape"}`))

	raw := `{"a":{"status":"done"},"b":{"status":"current"}}`
	assert.Equal(t, 75, CompletionFromJSON(raw))
}

func TestKeysSorted(t *testing.T) {
	om := ObjectiveMap{
		"objective03": {},
		"objective01": {},
		"objective02": {},
	}
	assert.Equal(t, []string{"objective01", "objective02", "objective03"}, om.Keys())
}

func TestStatusIsValid(t *testing.T) {
	assert.True(t, StatusTBC.IsValid())
	assert.True(t, StatusCurrent.IsValid())
	assert.True(t, StatusDone.IsValid())
	assert.False(t, Status("pending").IsValid())
	assert.False(t, Status("").IsValid())
}

func TestInitializeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, nil)

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	p, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Len(t, p.Objectives, 5)
	assert.Equal(t, StatusCurrent, p.Objectives["objective01"].Status)

	// Mutate then re-initialize: the existing map must survive.
	obj := p.Objectives["objective01"]
	obj.Status = StatusDone
	p.Objectives["objective01"] = obj
	require.NoError(t, store.SaveProgress(ctx, "conv1", p))

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	p2, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, p2.Objectives["objective01"].Status)
}

func TestApplyRecoveredReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, nil)

	require.NoError(t, engine.Initialize(ctx, "conv1"))

	om := ObjectiveMap{
		"objective01": {Status: StatusDone},
		"objective02": {Status: StatusCurrent},
	}
	require.NoError(t, engine.ApplyRecovered(ctx, "conv1", om, 4))

	p, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Len(t, p.Objectives, 2, "replacement is wholesale, not a merge")
	assert.Equal(t, 4, p.ReplacedAtTurn)
}

func TestApplyRecoveredEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, nil)

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	require.NoError(t, engine.ApplyRecovered(ctx, "conv1", ObjectiveMap{}, 9))

	p, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Len(t, p.Objectives, 5)
	assert.Equal(t, 0, p.ReplacedAtTurn)
}

type recordingRecorder struct {
	outcomes []string
}

func (r *recordingRecorder) RecordProgressPatch(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestApplyPatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recordingRecorder{}
	engine := NewEngine(store, rec)

	require.NoError(t, engine.Initialize(ctx, "conv1"))

	patches := []Patch{
		{Path: "objective01.status", Value: "done"},
		{Path: "objective02.status", Value: "current"},
		{Path: "objective02.count", Value: 1},
	}
	require.NoError(t, engine.ApplyPatches(ctx, "conv1", patches, 2))

	p, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, p.Objectives["objective01"].Status)
	assert.Equal(t, StatusCurrent, p.Objectives["objective02"].Status)
	assert.Equal(t, 1, p.Objectives["objective02"].Count)
	assert.Equal(t, []string{PatchOutcomeApplied}, rec.outcomes)
}

func TestApplyPatchesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, nil)

	require.NoError(t, engine.Initialize(ctx, "conv1"))

	patches := []Patch{
		{Path: "objective01.status", Value: "done"},
		{Path: "objective01.status", Value: "current"},
	}
	require.NoError(t, engine.ApplyPatches(ctx, "conv1", patches, 1))

	p, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, StatusCurrent, p.Objectives["objective01"].Status)
}

func TestApplyPatchesSupersededByReplacement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recordingRecorder{}
	engine := NewEngine(store, rec)

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	require.NoError(t, engine.ApplyRecovered(ctx, "conv1", ObjectiveMap{
		"objective01": {Status: StatusCurrent},
	}, 5))

	// Patch batch computed at turn 3, before the turn-5 replacement: skip.
	patches := []Patch{{Path: "objective01.status", Value: "done"}}
	require.NoError(t, engine.ApplyPatches(ctx, "conv1", patches, 3))

	p, err := store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, StatusCurrent, p.Objectives["objective01"].Status)
	assert.Equal(t, []string{PatchOutcomeSuperseded}, rec.outcomes)

	// A batch computed after the replacement applies normally.
	require.NoError(t, engine.ApplyPatches(ctx, "conv1", patches, 6))
	p, err = store.GetProgress(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, p.Objectives["objective01"].Status)
}

func TestApplyPatchesEmptyBatchIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recordingRecorder{}
	engine := NewEngine(store, rec)

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	require.NoError(t, engine.ApplyPatches(ctx, "conv1", nil, 1))
	assert.Empty(t, rec.outcomes)
}

func TestAllDone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, nil)

	assert.False(t, engine.AllDone(ctx, "missing"))

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	assert.False(t, engine.AllDone(ctx, "conv1"))

	done := ObjectiveMap{
		"objective01": {Status: StatusDone},
		"objective02": {Status: StatusDone},
	}
	require.NoError(t, engine.ApplyRecovered(ctx, "conv1", done, 8))
	assert.True(t, engine.AllDone(ctx, "conv1"))
}

func TestCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, nil)

	assert.Equal(t, 0, engine.Completion(ctx, "missing"))

	require.NoError(t, engine.Initialize(ctx, "conv1"))
	assert.Equal(t, 10, engine.Completion(ctx, "conv1"))
}
