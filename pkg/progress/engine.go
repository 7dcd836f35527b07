package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"interviewer/pkg/logx"
)

// Store is the persistence boundary for progress records.
type Store interface {
	GetProgress(ctx context.Context, convID string) (Progress, error)
	SaveProgress(ctx context.Context, convID string, p Progress) error
}

// Recorder receives patch outcome observations. Satisfied by the metrics
// package; nil disables recording.
type Recorder interface {
	RecordProgressPatch(outcome string)
}

// Patch outcome labels.
const (
	PatchOutcomeApplied    = "applied"
	PatchOutcomeSuperseded = "superseded"
	PatchOutcomeFailed     = "failed"
)

// Patch is a single path-addressed update to the objectives document, e.g.
// {Path: "objective02.status", Value: "done"}.
type Patch struct {
	Value any    `json:"value"`
	Path  string `json:"path"`
}

// Engine applies objective updates for conversations against a Store.
type Engine struct {
	store    Store
	recorder Recorder
	logger   *logx.Logger
}

// NewEngine creates a progress engine. recorder may be nil.
func NewEngine(store Store, recorder Recorder) *Engine {
	return &Engine{
		store:    store,
		recorder: recorder,
		logger:   logx.NewLogger("progress"),
	}
}

// Initialize writes the default objective skeleton for a conversation.
// Idempotent: an existing non-empty objective map is left untouched.
func (e *Engine) Initialize(ctx context.Context, convID string) error {
	existing, err := e.store.GetProgress(ctx, convID)
	if err == nil && len(existing.Objectives) > 0 {
		return nil
	}

	p := Progress{Objectives: DefaultObjectives()}
	if err := e.store.SaveProgress(ctx, convID, p); err != nil {
		return fmt.Errorf("failed to initialize progress for %s: %w", convID, err)
	}
	e.logger.Debug("initialized objective skeleton for %s", convID)
	return nil
}

// ApplyRecovered replaces the objective map wholesale with one recovered from
// a model turn, recording the turn number so later asynchronous patches
// computed against older state can be detected and skipped.
func (e *Engine) ApplyRecovered(ctx context.Context, convID string, om ObjectiveMap, turn int) error {
	if len(om) == 0 {
		return nil
	}

	p := Progress{
		Objectives:     om,
		ReplacedAtTurn: turn,
	}
	if err := e.store.SaveProgress(ctx, convID, p); err != nil {
		return fmt.Errorf("failed to save recovered objectives for %s: %w", convID, err)
	}
	e.logger.DebugDomain("progress", "replaced objectives for %s at turn %d (%d objectives)", convID, turn, len(om))
	return nil
}

// ApplyPatches applies path-addressed patches to the stored objectives.
// Patches computed against state older than the last wholesale replacement
// (asOfTurn <= ReplacedAtTurn) are skipped as superseded. Within a batch,
// later patches win on path collisions.
func (e *Engine) ApplyPatches(ctx context.Context, convID string, patches []Patch, asOfTurn int) error {
	if len(patches) == 0 {
		return nil
	}

	p, err := e.store.GetProgress(ctx, convID)
	if err != nil {
		e.record(PatchOutcomeFailed)
		return fmt.Errorf("failed to read progress for %s: %w", convID, err)
	}

	if asOfTurn <= p.ReplacedAtTurn {
		e.logger.DebugDomain("progress", "skipping %d patches for %s: computed at turn %d, objectives replaced at turn %d",
			len(patches), convID, asOfTurn, p.ReplacedAtTurn)
		e.record(PatchOutcomeSuperseded)
		return nil
	}

	doc, err := json.Marshal(p.Objectives)
	if err != nil {
		e.record(PatchOutcomeFailed)
		return fmt.Errorf("failed to marshal objectives for %s: %w", convID, err)
	}

	patched := string(doc)
	for i := range patches {
		patched, err = sjson.Set(patched, patches[i].Path, patches[i].Value)
		if err != nil {
			e.logger.Warn("patch %q on %s failed: %v", patches[i].Path, convID, err)
			e.record(PatchOutcomeFailed)
			return fmt.Errorf("failed to apply patch %q: %w", patches[i].Path, err)
		}
	}

	var om ObjectiveMap
	if err := json.Unmarshal([]byte(patched), &om); err != nil {
		// A patch produced a structurally broken document. Keep the stored
		// state rather than persisting garbage.
		e.logger.Warn("patched objectives for %s no longer parse, discarding batch: %v", convID, err)
		e.record(PatchOutcomeFailed)
		return fmt.Errorf("patched objectives unparseable: %w", err)
	}

	p.Objectives = om
	if err := e.store.SaveProgress(ctx, convID, p); err != nil {
		e.record(PatchOutcomeFailed)
		return fmt.Errorf("failed to save patched progress for %s: %w", convID, err)
	}

	e.record(PatchOutcomeApplied)
	return nil
}

// Completion returns the completion percentage for a conversation's stored
// objectives. Read failures degrade to 0.
func (e *Engine) Completion(ctx context.Context, convID string) int {
	p, err := e.store.GetProgress(ctx, convID)
	if err != nil {
		e.logger.Warn("completion read failed for %s: %v", convID, err)
		return 0
	}
	return CompletionPercentage(p.Objectives)
}

// AllDone reports whether every objective is complete. An empty map is not
// done: a conversation with no objectives has not finished anything.
func (e *Engine) AllDone(ctx context.Context, convID string) bool {
	p, err := e.store.GetProgress(ctx, convID)
	if err != nil || len(p.Objectives) == 0 {
		return false
	}
	for _, obj := range p.Objectives {
		if obj.Status != StatusDone {
			return false
		}
	}
	return true
}

func (e *Engine) record(outcome string) {
	if e.recorder != nil {
		e.recorder.RecordProgressPatch(outcome)
	}
}
