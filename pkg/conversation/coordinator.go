package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"interviewer/pkg/config"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/progress"
	"interviewer/pkg/recovery"
	"interviewer/pkg/utils"
)

// Entry is one visible transcript item handed to the presenter.
type Entry struct {
	Role     string
	Text     string
	IsTyping bool
}

// Transcript entry roles.
const (
	EntryRoleUser      = "user"
	EntryRoleAssistant = "assistant"
)

// apologyText is shown in place of an assistant turn when the model call
// fails. The user can simply resend.
const apologyText = "Sorry, I had trouble responding just now. Could you say that again?"

// defaultPrimerText is the synthetic first user turn when none is configured.
const defaultPrimerText = "Please begin the interview with your opening question."

// DefaultClosingPhrases are the sign-off markers scanned for in assistant
// turns. A match alone never ends a conversation; all objectives must also be
// done.
var DefaultClosingPhrases = []string{
	"thank you for your time",
	"this concludes our",
	"that wraps up our",
	"have a great day",
	"goodbye",
}

// Presenter receives ordered transcript snapshots. Render is called with the
// coordinator lock held and must not call back into the coordinator.
type Presenter interface {
	Render(entries []Entry, finished bool)
}

// Finalizer runs the end-of-conversation pipeline. Satisfied by
// finalize.Pipeline.
type Finalizer interface {
	Run(ctx context.Context, convID string) error
}

// MessageStore persists transcript messages. Satisfied by
// persistence.DatabaseOperations; nil disables persistence.
type MessageStore interface {
	AppendMessage(ctx context.Context, convID, role, content string, hidden bool) (int, error)
}

// Summarizer produces progress patches from the hidden objective-update
// history. Best-effort and independently fallible.
type Summarizer interface {
	SummarizePatches(ctx context.Context, convID string) ([]progress.Patch, error)
}

// TokenRecorder observes estimated per-turn token usage. Satisfied by the
// metrics package; nil disables recording.
type TokenRecorder interface {
	RecordModelTokens(model, conversation string, promptTokens, completionTokens int)
}

// Deps are the coordinator's collaborators. Client, Engine, and Finalizer are
// required; the rest may be nil.
type Deps struct {
	Client     llm.Client
	Parser     *recovery.Parser
	Engine     *progress.Engine
	Finalizer  Finalizer
	Messages   MessageStore
	Events     *eventlog.Writer
	Summarizer Summarizer
	Presenter  Presenter
	Tokens     TokenRecorder
}

// Options configure one conversation.
type Options struct {
	ConvID         string
	UserID         string
	Model          string
	SystemPrompt   string
	PrimerText     string
	CachedOpener   string
	ClosingPhrases []string
	Timing         config.TimingConfig
	Temperature    float32
	MaxTokens      int
}

// Coordinator drives the turn lifecycle of a single conversation. At most one
// outbound model request is open at a time; user input arriving while a
// request is in flight lands in a single replace-on-write queue slot.
type Coordinator struct {
	deps Deps
	opts Options

	logger     *logx.Logger
	primerDone chan struct{}
	bg         sync.WaitGroup

	mu         sync.Mutex
	state      State
	transcript []Entry
	history    []llm.CompletionMessage // authoritative replay, raw model text
	queued     string
	hasQueued  bool
	typingIdx  int
	turn       int
	generation int
}

// New creates a coordinator in StateNotStarted.
func New(deps Deps, opts Options) *Coordinator {
	if deps.Parser == nil {
		deps.Parser = recovery.NewParser(nil)
	}
	if opts.PrimerText == "" {
		opts.PrimerText = defaultPrimerText
	}
	if len(opts.ClosingPhrases) == 0 {
		opts.ClosingPhrases = DefaultClosingPhrases
	}
	return &Coordinator{
		deps:       deps,
		opts:       opts,
		logger:     logx.NewLogger("conversation"),
		primerDone: make(chan struct{}),
		state:      StateNotStarted,
		typingIdx:  -1,
	}
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of the visible transcript.
func (c *Coordinator) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry{}, c.transcript...)
}

// WaitPrimer blocks until the primer exchange has resolved, success or
// failure.
func (c *Coordinator) WaitPrimer() {
	<-c.primerDone
}

// Wait blocks until background work (summarizer calls) has drained.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// Start begins the conversation: shows a typing placeholder (replaced by the
// cached opening line after a short fixed delay, when one exists) and issues
// the hidden primer exchange in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transitionTo(StatePrimerInFlight); err != nil {
		c.mu.Unlock()
		return err
	}

	c.transcript = append(c.transcript, Entry{Role: EntryRoleAssistant, IsTyping: true})
	c.typingIdx = len(c.transcript) - 1
	c.render()
	gen := c.generation
	c.mu.Unlock()

	if err := c.deps.Engine.Initialize(ctx, c.opts.ConvID); err != nil {
		c.logger.Warn("objective initialization failed for %s: %v", c.opts.ConvID, err)
	}

	if c.opts.CachedOpener != "" {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			sleep(ctx, c.opts.Timing.OpenerDelay)
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.generation == gen && c.typingIdx >= 0 {
				c.transcript[c.typingIdx] = Entry{Role: EntryRoleAssistant, Text: c.opts.CachedOpener}
				c.typingIdx = -1
				c.render()
			}
		}()
	}

	go c.runPrimer(ctx, gen)
	return nil
}

// runPrimer issues the hidden primer exchange. Resolution, success or
// failure, always moves the state machine to Ready and drains the queue slot.
func (c *Coordinator) runPrimer(ctx context.Context, gen int) {
	defer close(c.primerDone)

	req := c.newRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(c.opts.SystemPrompt),
		llm.NewUserMessage(c.opts.PrimerText),
	})
	resp, err := c.deps.Client.Complete(ctx, req)

	c.mu.Lock()
	if c.generation != gen {
		c.logger.DebugDomain("conversation", "discarding stale primer response for %s", c.opts.ConvID)
		c.mu.Unlock()
		return
	}

	opener := c.opts.CachedOpener
	var rawReply string
	if err != nil {
		c.logger.Warn("primer call failed for %s: %v", c.opts.ConvID, err)
		if opener == "" {
			opener = apologyText
		}
		// The model never produced an opener; replay whatever was shown.
		rawReply = opener
	} else {
		turn := c.deps.Parser.RecoverStructured(resp.Content)
		// The raw response, not the cached display text, is what gets
		// replayed to the model on later turns.
		rawReply = resp.Content
		if opener == "" {
			opener = turn.AnswerText
		}
		c.turn++
		c.applyObjectives(ctx, turn.Objectives, c.turn)
		c.recordTokens(req.Messages, resp.Content)
	}

	if c.typingIdx >= 0 {
		c.transcript[c.typingIdx] = Entry{Role: EntryRoleAssistant, Text: opener}
		c.typingIdx = -1
	}

	c.history = []llm.CompletionMessage{
		llm.NewUserMessage(c.opts.PrimerText),
		llm.NewAssistantMessage(rawReply),
	}
	c.persistMessage(ctx, "user", c.opts.PrimerText, true)
	c.persistMessage(ctx, "assistant", opener, false)

	if terr := c.transitionTo(StateReady); terr != nil {
		c.mu.Unlock()
		return
	}
	c.render()

	var drained string
	var hasDrained bool
	if c.hasQueued {
		drained, hasDrained = c.queued, true
		c.queued, c.hasQueued = "", false
	}
	c.mu.Unlock()

	if hasDrained {
		c.sendTurn(ctx, drained)
	}
}

// Submit accepts one user message. It always lands in the visible transcript
// immediately; whether it is sent now or queued depends on the state.
func (c *Coordinator) Submit(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.state == StateFinished {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s is finished", c.opts.ConvID)
	}

	c.transcript = append(c.transcript, Entry{Role: EntryRoleUser, Text: text})
	c.render()

	if c.state != StateReady {
		// Single slot, last wins. An earlier queued message stays visible
		// in the transcript but is never sent.
		if c.hasQueued {
			c.logger.DebugDomain("conversation", "replacing queued message for %s", c.opts.ConvID)
		}
		c.queued, c.hasQueued = text, true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.sendTurn(ctx, text)
	return nil
}

// sendTurn sends one user turn to the model and processes the reply. The
// lock is released for the duration of the network call.
func (c *Coordinator) sendTurn(ctx context.Context, text string) {
	c.mu.Lock()
	if c.state != StateReady {
		c.queued, c.hasQueued = text, true
		c.mu.Unlock()
		return
	}
	if err := c.transitionTo(StateSending); err != nil {
		c.mu.Unlock()
		return
	}

	c.history = append(c.history, llm.NewUserMessage(text))
	messages := make([]llm.CompletionMessage, 0, len(c.history)+1)
	messages = append(messages, llm.NewSystemMessage(c.opts.SystemPrompt))
	messages = append(messages, c.history...)
	gen := c.generation
	c.mu.Unlock()

	resp, err := c.deps.Client.Complete(ctx, c.newRequest(messages))

	c.mu.Lock()
	if c.generation != gen {
		c.logger.DebugDomain("conversation", "discarding stale turn response for %s", c.opts.ConvID)
		c.mu.Unlock()
		return
	}

	if err != nil {
		c.logger.Warn("turn call failed for %s: %v", c.opts.ConvID, err)
		// The model never saw this turn; drop it from the replay history so
		// a resend does not duplicate it.
		c.history = c.history[:len(c.history)-1]
		c.transcript = append(c.transcript, Entry{Role: EntryRoleAssistant, Text: apologyText})
		_ = c.transitionTo(StateReady)
		c.render()
		drained, hasDrained := c.takeQueued()
		c.mu.Unlock()
		if hasDrained {
			c.sendTurn(ctx, drained)
		}
		return
	}

	c.turn++
	asOfTurn := c.turn
	turn := c.deps.Parser.RecoverStructured(resp.Content)

	c.history = append(c.history, llm.NewAssistantMessage(resp.Content))
	c.transcript = append(c.transcript, Entry{Role: EntryRoleAssistant, Text: turn.AnswerText})
	c.persistMessage(ctx, "user", text, false)
	c.persistMessage(ctx, "assistant", turn.AnswerText, false)
	c.applyObjectives(ctx, turn.Objectives, asOfTurn)
	c.recordTokens(messages, resp.Content)

	if err := c.transitionTo(StateReady); err != nil {
		c.mu.Unlock()
		return
	}
	c.render()

	endCandidate := c.containsClosingPhrase(turn.AnswerText)
	drained, hasDrained := c.takeQueued()
	c.mu.Unlock()

	c.summarizeAsync(ctx, asOfTurn)

	if hasDrained {
		// The user is still talking; a pending message outranks a sign-off.
		c.sendTurn(ctx, drained)
		return
	}
	if endCandidate && c.deps.Engine.AllDone(ctx, c.opts.ConvID) {
		c.finish(ctx, asOfTurn)
	}
}

// finish waits out the grace period, re-checks that the conversation is still
// endable, and invokes the finalizer exactly once. endTurn is the turn that
// carried the sign-off; a newer turn landing during the grace period means the
// conversation moved on and this candidate no longer applies.
func (c *Coordinator) finish(ctx context.Context, endTurn int) {
	sleep(ctx, c.opts.Timing.GracePeriod)

	c.mu.Lock()
	if c.state != StateReady || c.hasQueued || c.turn != endTurn {
		c.mu.Unlock()
		return
	}
	// Grace period may have let an in-flight patch land; trust the re-read,
	// not the value captured before the delay.
	if !c.deps.Engine.AllDone(ctx, c.opts.ConvID) {
		c.mu.Unlock()
		return
	}
	if err := c.transitionTo(StateFinished); err != nil {
		c.mu.Unlock()
		return
	}
	c.render()
	c.mu.Unlock()

	if err := c.deps.Finalizer.Run(ctx, c.opts.ConvID); err != nil {
		c.logger.Error("finalizer failed for %s: %v", c.opts.ConvID, err)
	}
}

// Abandon closes the conversation from any state, discarding in-flight
// responses, and runs the finalizer as a safety net.
func (c *Coordinator) Abandon(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateFinished {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	if err := c.transitionTo(StateFinished); err != nil {
		c.mu.Unlock()
		return err
	}
	c.render()
	c.mu.Unlock()

	return c.deps.Finalizer.Run(ctx, c.opts.ConvID)
}

// transitionTo validates and applies a state change. Caller holds the lock.
func (c *Coordinator) transitionTo(to State) error {
	if !isValidTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.logger.DebugDomain("conversation", "%s: %s -> %s", c.opts.ConvID, c.state, to)
	c.state = to
	return nil
}

// applyObjectives stores a wholesale objective replacement and logs the
// hidden objective-update event. Caller holds the lock.
func (c *Coordinator) applyObjectives(ctx context.Context, om progress.ObjectiveMap, turn int) {
	if len(om) == 0 {
		return
	}
	if err := c.deps.Engine.ApplyRecovered(ctx, c.opts.ConvID, om, turn); err != nil {
		c.logger.Warn("objective replacement failed for %s: %v", c.opts.ConvID, err)
	}
	if c.deps.Events != nil {
		payload, err := json.Marshal(om)
		if err == nil {
			err = c.deps.Events.Write(eventlog.NewObjectiveUpdate(c.opts.ConvID, turn, payload))
		}
		if err != nil {
			c.logger.Warn("objective event log write failed for %s: %v", c.opts.ConvID, err)
		}
	}
}

// summarizeAsync kicks off the best-effort progress summarizer with the turn
// counter captured now, so a later wholesale replacement supersedes it.
func (c *Coordinator) summarizeAsync(ctx context.Context, asOfTurn int) {
	if c.deps.Summarizer == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		patches, err := c.deps.Summarizer.SummarizePatches(ctx, c.opts.ConvID)
		if err != nil {
			c.logger.Warn("progress summarizer failed for %s: %v", c.opts.ConvID, err)
			return
		}
		if err := c.deps.Engine.ApplyPatches(ctx, c.opts.ConvID, patches, asOfTurn); err != nil {
			c.logger.Warn("progress patches rejected for %s: %v", c.opts.ConvID, err)
		}
	}()
}

// takeQueued empties the queue slot. Caller holds the lock.
func (c *Coordinator) takeQueued() (string, bool) {
	if !c.hasQueued {
		return "", false
	}
	text := c.queued
	c.queued, c.hasQueued = "", false
	return text, true
}

// recordTokens reports estimated prompt and completion token counts for one
// exchange. Caller holds the lock.
func (c *Coordinator) recordTokens(sent []llm.CompletionMessage, reply string) {
	if c.deps.Tokens == nil {
		return
	}
	prompt := 0
	for _, m := range sent {
		prompt += utils.CountTokensSimple(m.Content)
	}
	c.deps.Tokens.RecordModelTokens(c.opts.Model, c.opts.ConvID, prompt, utils.CountTokensSimple(reply))
}

// persistMessage appends to durable storage. Caller holds the lock. Failures
// are logged; the in-memory conversation continues.
func (c *Coordinator) persistMessage(ctx context.Context, role, content string, hidden bool) {
	if c.deps.Messages == nil {
		return
	}
	if _, err := c.deps.Messages.AppendMessage(ctx, c.opts.ConvID, role, content, hidden); err != nil {
		c.logger.Warn("message persist failed for %s: %v", c.opts.ConvID, err)
	}
}

// render pushes the current transcript to the presenter. Caller holds the
// lock.
func (c *Coordinator) render() {
	if c.deps.Presenter == nil {
		return
	}
	c.deps.Presenter.Render(append([]Entry{}, c.transcript...), c.state == StateFinished)
}

func (c *Coordinator) newRequest(messages []llm.CompletionMessage) llm.CompletionRequest {
	req := llm.NewCompletionRequest(messages)
	if c.opts.Temperature > 0 {
		req.Temperature = c.opts.Temperature
	}
	if c.opts.MaxTokens > 0 {
		req.MaxTokens = c.opts.MaxTokens
	}
	return req
}

func (c *Coordinator) containsClosingPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range c.opts.ClosingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// sleep pauses for d, returning early on context cancellation.
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
