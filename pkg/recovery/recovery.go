// Package recovery turns arbitrary model output into best-effort structured
// data. Models are instructed to reply with a JSON payload (answer text plus
// an objective map) but routinely wrap it in fences, leave trailing commas,
// mix quote styles, or truncate mid-document. Recovery is total: no tier ever
// surfaces an error, and the caller always gets a usable string back.
package recovery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tailscale/hujson"
	"github.com/tidwall/gjson"

	"interviewer/pkg/logx"
	"interviewer/pkg/progress"
)

// Tier identifies which recovery strategy produced a result.
type Tier int8

const (
	// TierVerbatim means the guardrail passed plain prose through untouched.
	TierVerbatim Tier = iota
	// TierStrict means the candidate parsed under encoding/json as-is.
	TierStrict
	// TierRepair means syntax repair plus a strict reparse succeeded.
	TierRepair
	// TierLenient means hujson standardization plus a strict reparse succeeded.
	TierLenient
	// TierPermissive means a best-effort gjson document read succeeded.
	TierPermissive
	// TierExtract means regex field extraction against the original text succeeded.
	TierExtract
	// TierFallback means every tier failed and the caller fallback (or the raw
	// text) was returned.
	TierFallback
)

// String returns the metric label for a tier.
func (t Tier) String() string {
	switch t {
	case TierVerbatim:
		return "verbatim"
	case TierStrict:
		return "strict"
	case TierRepair:
		return "repair"
	case TierLenient:
		return "lenient"
	case TierPermissive:
		return "permissive"
	case TierExtract:
		return "extract"
	case TierFallback:
		return "fallback"
	default:
		return "invalid"
	}
}

// Field names the model is instructed to populate.
const (
	// FieldResponse holds the user-visible answer text.
	FieldResponse = "response"
	// FieldObjectives holds the inline objective map, when the model reports one.
	FieldObjectives = "currentObjectives"
)

// Turn is the structured result of recovering one model reply.
type Turn struct {
	Objectives progress.ObjectiveMap // nil when the model reported none
	Auxiliary  map[string]any        // remaining top-level fields (reasoning, etc.)
	AnswerText string                // never empty when any tier succeeded
	Tier       Tier
}

// Recorder receives per-tier outcome observations. Satisfied by the metrics
// package; nil disables recording.
type Recorder interface {
	RecordRecoveryTier(tier, outcome string)
}

// Parser runs the tiered recovery pipeline.
type Parser struct {
	recorder Recorder
	logger   *logx.Logger
}

// NewParser creates a parser. recorder may be nil.
func NewParser(recorder Recorder) *Parser {
	return &Parser{
		recorder: recorder,
		logger:   logx.NewLogger("recovery"),
	}
}

//nolint:gochecknoglobals // Package-level convenience parser without metrics
var defaultParser = NewParser(nil)

// Recover extracts the named field from raw model text using the default
// parser. See Parser.Recover.
func Recover(raw, field, fallback string) string {
	return defaultParser.Recover(raw, field, fallback)
}

// RecoverAny handles loosely-typed input using the default parser.
func RecoverAny(v any, field, fallback string) string {
	return defaultParser.RecoverAny(v, field, fallback)
}

// RecoverStructured recovers a full Turn using the default parser.
func RecoverStructured(raw string) Turn {
	return defaultParser.RecoverStructured(raw)
}

// RecoverAny recovers from input that may not even be a string. Non-string
// input is stringified and returned immediately without any parsing attempt.
func (p *Parser) RecoverAny(v any, field, fallback string) string {
	switch s := v.(type) {
	case string:
		return p.Recover(s, field, fallback)
	case nil:
		if fallback != "" {
			return fallback
		}
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Recover extracts the named field from raw model text, trying progressively
// more permissive strategies. It never returns an error: when every tier
// fails it returns fallback if supplied, otherwise the raw text unchanged.
func (p *Parser) Recover(raw, field, fallback string) string {
	value, _ := p.recover(raw, field, fallback)
	return value
}

func (p *Parser) recover(raw, field, fallback string) (string, Tier) {
	if strings.TrimSpace(raw) == "" {
		if fallback != "" {
			return fallback, TierFallback
		}
		return raw, TierFallback
	}

	// Guardrail: plain conversational replies must not be mangled by the
	// repair heuristics.
	if !looksStructured(raw) {
		return raw, TierVerbatim
	}

	candidate := extractCandidate(raw)

	if doc, ok := p.tryStrict(candidate); ok {
		p.record(TierStrict, "success")
		if value, present := fieldValue(doc, field); present {
			return value, TierStrict
		}
		// Parsed fine but the field is absent or empty: the caller fallback
		// beats reporting emptiness. Still give extraction a chance first in
		// case the field lives outside the candidate block.
		if value, ok := p.extractField(raw, field); ok {
			return value, TierExtract
		}
		if fallback != "" {
			return fallback, TierFallback
		}
		return raw, TierFallback
	}
	p.failTier(TierStrict, candidate)

	repaired := RepairSyntax(candidate)
	if doc, ok := p.tryStrict(repaired); ok {
		p.record(TierRepair, "success")
		if value, present := fieldValue(doc, field); present {
			return value, TierRepair
		}
	} else {
		p.failTier(TierRepair, repaired)
	}

	if doc, ok := p.tryLenient(candidate); ok {
		p.record(TierLenient, "success")
		if value, present := fieldValue(doc, field); present {
			return value, TierLenient
		}
	} else {
		p.failTier(TierLenient, candidate)
	}

	if result := gjson.Get(candidate, field); result.Exists() && strings.TrimSpace(result.String()) != "" {
		p.record(TierPermissive, "success")
		return result.String(), TierPermissive
	}
	p.failTier(TierPermissive, candidate)

	if value, ok := p.extractField(raw, field); ok {
		p.record(TierExtract, "success")
		return value, TierExtract
	}
	p.failTier(TierExtract, raw)

	p.record(TierFallback, "success")
	if fallback != "" {
		return fallback, TierFallback
	}
	return raw, TierFallback
}

// RecoverStructured recovers a full Turn from raw model text. AnswerText is
// always usable: worst case it is the raw text itself.
func (p *Parser) RecoverStructured(raw string) Turn {
	turn := Turn{AnswerText: raw, Tier: TierFallback}

	if strings.TrimSpace(raw) == "" {
		return turn
	}
	if !looksStructured(raw) {
		turn.Tier = TierVerbatim
		return turn
	}

	candidate := extractCandidate(raw)

	doc, tier, ok := p.parseDocument(candidate)
	if ok {
		if validated, vok := p.validateTurn(doc, tier); vok {
			return validated
		}
	}

	// Full-document parse failed (or the shape was unusable): fall back to
	// field-by-field extraction against the original text rather than
	// rejecting the whole turn.
	answer, answerTier := p.recover(raw, FieldResponse, "")
	turn.AnswerText = answer
	turn.Tier = answerTier
	return turn
}

// parseDocument runs the full-document tiers in order.
func (p *Parser) parseDocument(candidate string) (map[string]any, Tier, bool) {
	if doc, ok := p.tryStrict(candidate); ok {
		return doc, TierStrict, true
	}
	if doc, ok := p.tryStrict(RepairSyntax(candidate)); ok {
		return doc, TierRepair, true
	}
	if doc, ok := p.tryLenient(candidate); ok {
		return doc, TierLenient, true
	}
	if parsed := gjson.Parse(candidate); parsed.IsObject() {
		if doc, dok := parsed.Value().(map[string]any); dok && len(doc) > 0 {
			return doc, TierPermissive, true
		}
	}
	return nil, TierFallback, false
}

// validateTurn checks the recovered document against the expected turn shape:
// response required, currentObjectives optional. Validation runs after tiered
// recovery, never instead of it.
func (p *Parser) validateTurn(doc map[string]any, tier Tier) (Turn, bool) {
	answer, present := fieldValue(doc, FieldResponse)
	if !present {
		return Turn{}, false
	}

	turn := Turn{
		AnswerText: answer,
		Tier:       tier,
		Auxiliary:  make(map[string]any),
	}

	for k, v := range doc {
		if k == FieldResponse || k == FieldObjectives {
			continue
		}
		turn.Auxiliary[k] = v
	}

	if rawObjectives, exists := doc[FieldObjectives]; exists {
		turn.Objectives = p.coerceObjectives(rawObjectives)
	}

	p.record(tier, "success")
	return turn, true
}

// coerceObjectives converts a loosely-typed objectives value into an
// ObjectiveMap. Unusable shapes yield nil; unknown status values are kept
// (they weigh zero in completion) but logged.
func (p *Parser) coerceObjectives(v any) progress.ObjectiveMap {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Debug("objectives field not marshalable: %v", err)
		return nil
	}

	var om progress.ObjectiveMap
	if err := json.Unmarshal(data, &om); err != nil {
		p.logger.Debug("objectives field has unexpected shape: %v", err)
		return nil
	}
	if len(om) == 0 {
		return nil
	}

	for key, obj := range om {
		if !obj.Status.IsValid() {
			p.logger.Debug("objective %s has unknown status %q", key, obj.Status)
		}
	}
	return om
}

func (p *Parser) tryStrict(candidate string) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func (p *Parser) tryLenient(candidate string) (map[string]any, bool) {
	standardized, err := hujson.Standardize([]byte(candidate))
	if err != nil {
		return nil, false
	}
	return p.tryStrict(string(standardized))
}

// fieldValue looks up a field and stringifies it. A value that is empty after
// trimming counts as absent: the caller's fallback takes precedence over
// reporting emptiness.
func fieldValue(doc map[string]any, field string) (string, bool) {
	v, exists := doc[field]
	if !exists {
		return "", false
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case nil:
		return "", false
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		s = string(data)
	}

	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// extractField searches the original text for a field-shaped fragment
// ("field": "value", escaping-aware) without requiring the rest of the
// document to be valid.
func (p *Parser) extractField(raw, field string) (string, bool) {
	pattern := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	m := pattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}

	value := unescapeJSONString(m[1])
	if strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// unescapeJSONString undoes JSON string escapes in an extracted fragment.
// Falls back to the raw fragment if it somehow does not round-trip.
func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// looksStructured reports whether raw superficially resembles structured
// data: a fence marker anywhere, or a trimmed body opening with a brace or
// bracket.
func looksStructured(raw string) bool {
	if strings.Contains(raw, "```") {
		return true
	}
	trimmed := strings.TrimSpace(raw)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

//nolint:gochecknoglobals // Compiled once; fenced-block candidate extraction
var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractCandidate picks the text to parse: the last fenced block when fences
// are present (models emit explanatory prose before the payload; the last
// block is authoritative), otherwise the trimmed text itself.
func extractCandidate(raw string) string {
	matches := fenceRe.FindAllStringSubmatch(raw, -1)
	if len(matches) > 0 {
		return strings.TrimSpace(matches[len(matches)-1][1])
	}
	return strings.TrimSpace(raw)
}

func (p *Parser) record(tier Tier, outcome string) {
	if p.recorder != nil {
		p.recorder.RecordRecoveryTier(tier.String(), outcome)
	}
}

// failTier logs a failed tier with a short preview and triage flags.
func (p *Parser) failTier(tier Tier, candidate string) {
	p.record(tier, "fail")
	preview := candidate
	if len(preview) > 80 {
		preview = preview[:80]
	}
	p.logger.DebugDomain("recovery", "tier %s failed (fence=%t trailingComma=%t): %q",
		tier, strings.Contains(candidate, "```"), trailingCommaRe.MatchString(candidate), preview)
}
