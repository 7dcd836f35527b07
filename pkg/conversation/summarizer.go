package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"interviewer/pkg/eventlog"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/progress"
)

const summarizerPrompt = `You maintain the objective checklist of an ongoing interview.
Below is the sequence of objective-update snapshots recorded so far, followed by the current objective map.
Reply with a JSON array of patches, each {"path": "<objective>.<field>", "value": <new value>}, describing only the fields that should change.
Reply with [] if nothing should change.`

// ModelSummarizer derives progress patches by showing the model the hidden
// objective-update history. It reads only that history, never the transcript.
type ModelSummarizer struct {
	client    llm.Client
	store     progress.Store
	logger    *logx.Logger
	eventDir  string
	maxTokens int
}

// NewModelSummarizer creates a summarizer reading events from eventDir.
func NewModelSummarizer(client llm.Client, store progress.Store, eventDir string) *ModelSummarizer {
	return &ModelSummarizer{
		client:    client,
		store:     store,
		logger:    logx.NewLogger("summarizer"),
		eventDir:  eventDir,
		maxTokens: 1024,
	}
}

// SummarizePatches asks the model for objective patches. No update history
// means no patches.
func (s *ModelSummarizer) SummarizePatches(ctx context.Context, convID string) ([]progress.Patch, error) {
	events, err := eventlog.ReadConversation(s.eventDir, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to read objective history: %w", err)
	}
	updates := make([]*eventlog.Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind == eventlog.KindObjectiveUpdate {
			updates = append(updates, ev)
		}
	}
	if len(updates) == 0 {
		return nil, nil
	}

	current, err := s.store.GetProgress(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to read current objectives: %w", err)
	}
	currentDoc, err := json.Marshal(current.Objectives)
	if err != nil {
		return nil, fmt.Errorf("failed to encode current objectives: %w", err)
	}

	var history strings.Builder
	for _, ev := range updates {
		fmt.Fprintf(&history, "turn %d: %s\n", ev.Turn, string(ev.Payload))
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(summarizerPrompt),
		llm.NewUserMessage(fmt.Sprintf("Update history:\n%s\nCurrent objectives:\n%s", history.String(), currentDoc)),
	})
	req.MaxTokens = s.maxTokens

	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("summarizer model call failed: %w", err)
	}

	patches := parsePatches(resp.Content)
	s.logger.DebugDomain("progress", "summarizer produced %d patches for %s", len(patches), convID)
	return patches, nil
}

// parsePatches pulls a patch array out of possibly-messy model output. It
// accepts a bare array, a fenced array, or an object with a "patches" field;
// anything else yields no patches.
func parsePatches(raw string) []progress.Patch {
	candidate := raw
	if start := strings.Index(candidate, "["); start >= 0 {
		if end := strings.LastIndex(candidate, "]"); end > start {
			candidate = candidate[start : end+1]
		}
	}

	doc := gjson.Parse(candidate)
	if !doc.IsArray() {
		doc = gjson.Get(raw, "patches")
		if !doc.IsArray() {
			return nil
		}
	}

	var patches []progress.Patch
	doc.ForEach(func(_, item gjson.Result) bool {
		path := item.Get("path").String()
		value := item.Get("value")
		if path == "" || !value.Exists() {
			return true
		}
		patches = append(patches, progress.Patch{Path: path, Value: value.Value()})
		return true
	})
	return patches
}
