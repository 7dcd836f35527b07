package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"interviewer/pkg/progress"
)

// timeFormat is how timestamps are stored. TEXT keeps the rows portable
// across sqlite tooling.
const timeFormat = time.RFC3339Nano

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DatabaseOperations provides all conversation storage operations over a
// single *sql.DB. It implements progress.Store.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates an operations object.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// CreateConversation inserts a new active conversation for a user and
// returns it.
func (ops *DatabaseOperations) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	conv := &Conversation{
		ID:        NewConversationID(),
		UserID:    userID,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}

	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Status, conv.StartedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads one conversation row.
func (ops *DatabaseOperations) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	row := ops.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, started_at, ended_at, duration_minutes,
		       progress_json, replaced_at_turn, clean_transcript,
		       completion_percentage, user_word_count, summary
		FROM conversations WHERE id = ?`, convID)

	var conv Conversation
	var startedAt string
	var endedAt sql.NullString
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Status, &startedAt, &endedAt,
		&conv.DurationMinutes, &conv.ProgressJSON, &conv.ReplacedAtTurn,
		&conv.CleanTranscript, &conv.CompletionPercentage, &conv.UserWordCount,
		&conv.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", convID, err)
	}

	if conv.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at for %s: %w", convID, err)
	}
	if endedAt.Valid && endedAt.String != "" {
		t, perr := time.Parse(timeFormat, endedAt.String)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse ended_at for %s: %w", convID, perr)
		}
		conv.EndedAt = &t
	}
	return &conv, nil
}

// UpdateStatus sets the conversation status after validating the value.
func (ops *DatabaseOperations) UpdateStatus(ctx context.Context, convID, status string) error {
	if !IsValidStatus(status) {
		return fmt.Errorf("invalid conversation status: %s", status)
	}
	result, err := ops.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`, status, convID)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", convID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	return nil
}

// GetProgress implements progress.Store: the objectives document and
// replacement counter live on the conversation row.
func (ops *DatabaseOperations) GetProgress(ctx context.Context, convID string) (progress.Progress, error) {
	row := ops.db.QueryRowContext(ctx,
		`SELECT progress_json, replaced_at_turn FROM conversations WHERE id = ?`, convID)

	var raw string
	var p progress.Progress
	err := row.Scan(&raw, &p.ReplacedAtTurn)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Progress{}, fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	if err != nil {
		return progress.Progress{}, fmt.Errorf("failed to load progress for %s: %w", convID, err)
	}

	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p.Objectives); err != nil {
		return progress.Progress{}, fmt.Errorf("stored progress for %s unparseable: %w", convID, err)
	}
	return p, nil
}

// SaveProgress implements progress.Store.
func (ops *DatabaseOperations) SaveProgress(ctx context.Context, convID string, p progress.Progress) error {
	raw, err := json.Marshal(p.Objectives)
	if err != nil {
		return fmt.Errorf("failed to marshal progress for %s: %w", convID, err)
	}

	result, err := ops.db.ExecContext(ctx, `
		UPDATE conversations SET progress_json = ?, replaced_at_turn = ?
		WHERE id = ?`,
		string(raw), p.ReplacedAtTurn, convID)
	if err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", convID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	return nil
}

// AppendMessage appends a message to the conversation transcript and returns
// its assigned sequence number.
func (ops *DatabaseOperations) AppendMessage(ctx context.Context, convID, role, content string, hidden bool) (int, error) {
	tx, err := ops.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		convID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate message seq: %w", err)
	}

	hiddenInt := 0
	if hidden {
		hiddenInt = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, role, content, hidden, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		convID, seq, role, content, hiddenInt, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message: %w", err)
	}
	return seq, nil
}

// ListMessages returns all messages for a conversation in sequence order.
func (ops *DatabaseOperations) ListMessages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := ops.db.QueryContext(ctx, `
		SELECT conversation_id, seq, role, content, hidden, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", convID, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var m Message
		var hidden int
		var createdAt string
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.Role, &m.Content, &hidden, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Hidden = hidden != 0
		if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse message timestamp: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// SaveFinalizedFields persists all finalizer output in a single transaction.
// The terminal status lands in the same write, so a crash mid-pipeline leaves
// the conversation non-terminal and the safety-net trigger can re-run it.
func (ops *DatabaseOperations) SaveFinalizedFields(ctx context.Context, convID string, fields *FinalizedFields) error {
	if !IsValidStatus(fields.Status) {
		return fmt.Errorf("invalid conversation status: %s", fields.Status)
	}

	tx, err := ops.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			ended_at = ?,
			duration_minutes = ?,
			clean_transcript = ?,
			completion_percentage = ?,
			user_word_count = ?,
			summary = ?,
			status = ?
		WHERE id = ?`,
		fields.EndedAt.UTC().Format(timeFormat),
		fields.DurationMinutes,
		fields.CleanTranscript,
		fields.CompletionPercentage,
		fields.UserWordCount,
		fields.Summary,
		fields.Status,
		convID)
	if err != nil {
		return fmt.Errorf("failed to save finalized fields for %s: %w", convID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalized fields: %w", err)
	}
	return nil
}

// IncrementUsage bumps a user's completed-interview counter.
func (ops *DatabaseOperations) IncrementUsage(ctx context.Context, userID string) error {
	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO usage_counters (user_id, completed_interviews, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			completed_interviews = completed_interviews + 1,
			updated_at = excluded.updated_at`,
		userID, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to increment usage for %s: %w", userID, err)
	}
	return nil
}

// GetUsage returns a user's completed-interview count. Missing users are 0.
func (ops *DatabaseOperations) GetUsage(ctx context.Context, userID string) (int, error) {
	var count int
	err := ops.db.QueryRowContext(ctx,
		`SELECT completed_interviews FROM usage_counters WHERE user_id = ?`,
		userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage for %s: %w", userID, err)
	}
	return count, nil
}
