// Package finalize closes out a conversation: it computes the durable summary
// fields and persists them atomically with the terminal status.
package finalize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/persistence"
	"interviewer/pkg/progress"
	"interviewer/pkg/recovery"
	"interviewer/pkg/utils"
)

// Speaker labels used in the cleaned transcript.
const (
	labelInterviewer = "Interviewer"
	labelRespondent  = "Respondent"
)

const summaryPrompt = `Write a short closing summary (3-5 sentences) of the interview transcript below.
Cover what the respondent shared and the overall tone. Reply with plain text only.`

// Store is the persistence surface the pipeline needs. Satisfied by
// persistence.DatabaseOperations.
type Store interface {
	GetConversation(ctx context.Context, convID string) (*persistence.Conversation, error)
	UpdateStatus(ctx context.Context, convID, status string) error
	ListMessages(ctx context.Context, convID string) ([]persistence.Message, error)
	SaveFinalizedFields(ctx context.Context, convID string, fields *persistence.FinalizedFields) error
	IncrementUsage(ctx context.Context, userID string) error
}

// Recorder observes completed pipeline runs. Satisfied by metrics.Recorder;
// nil disables recording.
type Recorder interface {
	RecordConversationFinalized()
}

// Deps are the pipeline's collaborators. Store and Engine are required;
// Client enables summary generation and the rest may be nil.
type Deps struct {
	Store    Store
	Engine   *progress.Engine
	Client   llm.Client
	Parser   *recovery.Parser
	Recorder Recorder
	Tokens   *utils.TokenCounter
}

// Pipeline is the one-shot finalizer. Safe to invoke more than once for the
// same conversation: a terminal status short-circuits, and the terminal
// status itself is persisted in the same transaction as the computed fields.
type Pipeline struct {
	deps      Deps
	logger    *logx.Logger
	settle    time.Duration
	threshold int
	now       func() time.Time
}

// NewPipeline creates a finalizer. settle is the delay before progress is
// re-read; threshold is the completion percentage required before the user's
// usage counter is incremented.
func NewPipeline(deps Deps, settle time.Duration, threshold int) *Pipeline {
	if deps.Parser == nil {
		deps.Parser = recovery.NewParser(nil)
	}
	return &Pipeline{
		deps:      deps,
		logger:    logx.NewLogger("finalize"),
		settle:    settle,
		threshold: threshold,
		now:       time.Now,
	}
}

// Run executes the pipeline for one conversation. Sub-step failures (summary
// generation, usage increment) are logged and skipped; only the inability to
// load or persist the conversation fails the run.
func (p *Pipeline) Run(ctx context.Context, convID string) error {
	conv, err := p.deps.Store.GetConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if conv.Status == persistence.StatusFinalized {
		p.logger.Debug("conversation %s already finalized, skipping", convID)
		return nil
	}

	if err := p.deps.Store.UpdateStatus(ctx, convID, persistence.StatusFinalizing); err != nil {
		p.logger.Warn("could not mark %s finalizing: %v", convID, err)
	}

	endedAt := p.now().UTC()
	duration := int(endedAt.Sub(conv.StartedAt).Minutes())

	// Give any in-flight progress patch time to land, then trust the re-read
	// rather than anything computed earlier.
	sleep(ctx, p.settle)
	completion := p.deps.Engine.Completion(ctx, convID)

	messages, err := p.deps.Store.ListMessages(ctx, convID)
	if err != nil {
		p.logger.Warn("could not load transcript for %s: %v", convID, err)
	}
	transcript := CleanTranscript(messages)
	wordCount := countUserWords(messages)

	if p.deps.Tokens != nil {
		p.logger.Debug("conversation %s transcript is %d tokens", convID, p.deps.Tokens.CountTokens(transcript))
	}

	if completion >= p.threshold {
		if err := p.deps.Store.IncrementUsage(ctx, conv.UserID); err != nil {
			p.logger.Warn("usage increment failed for %s: %v", conv.UserID, err)
		}
	}

	var summary string
	if completion > 0 && transcript != "" {
		summary = p.generateSummary(ctx, transcript)
	}

	fields := &persistence.FinalizedFields{
		EndedAt:              endedAt,
		DurationMinutes:      duration,
		CleanTranscript:      transcript,
		CompletionPercentage: completion,
		UserWordCount:        wordCount,
		Summary:              summary,
		Status:               persistence.StatusFinalized,
	}
	if err := p.deps.Store.SaveFinalizedFields(ctx, convID, fields); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	if p.deps.Recorder != nil {
		p.deps.Recorder.RecordConversationFinalized()
	}
	p.logger.Info("conversation %s finalized: %d%% complete, %d user words, %d minutes",
		convID, completion, wordCount, duration)
	return nil
}

// generateSummary asks the model for a closing summary. Best-effort: any
// failure yields an empty summary, never a pipeline error.
func (p *Pipeline) generateSummary(ctx context.Context, transcript string) string {
	if p.deps.Client == nil {
		return ""
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(summaryPrompt),
		llm.NewUserMessage(transcript),
	})
	req.MaxTokens = 512

	resp, err := p.deps.Client.Complete(ctx, req)
	if err != nil {
		p.logger.Warn("summary generation failed: %v", err)
		return ""
	}
	return p.deps.Parser.Recover(resp.Content, recovery.FieldResponse, resp.Content)
}

// CleanTranscript renders messages as speaker-labeled plain text, dropping
// hidden and system entries.
func CleanTranscript(messages []persistence.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Hidden || m.Role == persistence.RoleSystem {
			continue
		}
		label := labelRespondent
		if m.Role == persistence.RoleAssistant {
			label = labelInterviewer
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// countUserWords counts words in visible user-authored turns only.
func countUserWords(messages []persistence.Message) int {
	total := 0
	for _, m := range messages {
		if m.Hidden || m.Role != persistence.RoleUser {
			continue
		}
		total += utils.CountWords(m.Content)
	}
	return total
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
