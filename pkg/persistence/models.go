package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Conversation status values.
const (
	// StatusActive marks a conversation still taking turns.
	StatusActive = "active"
	// StatusFinalizing marks a conversation whose finalizer pipeline is running.
	StatusFinalizing = "finalizing"
	// StatusFinalized is terminal: the pipeline completed and persisted.
	StatusFinalized = "finalized"
)

// IsValidStatus reports whether s is a known conversation status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusFinalizing, StatusFinalized:
		return true
	default:
		return false
	}
}

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one interview conversation row.
type Conversation struct {
	StartedAt            time.Time
	EndedAt              *time.Time
	ID                   string
	UserID               string
	Status               string
	ProgressJSON         string
	CleanTranscript      string
	Summary              string
	DurationMinutes      int
	ReplacedAtTurn       int
	CompletionPercentage int
	UserWordCount        int
}

// Message is one transcript entry. Hidden messages (the primer exchange,
// objective-update events) are replayed to the model but never shown to the
// user and never included in the cleaned transcript.
type Message struct {
	CreatedAt      time.Time
	ConversationID string
	Role           string
	Content        string
	Seq            int
	Hidden         bool
}

// FinalizedFields is everything the finalizer persists atomically at
// end-of-conversation.
type FinalizedFields struct {
	EndedAt              time.Time
	CleanTranscript      string
	Summary              string
	Status               string
	DurationMinutes      int
	CompletionPercentage int
	UserWordCount        int
}

// NewConversationID generates a unique conversation ID.
func NewConversationID() string {
	return "conv-" + uuid.New().String()
}
