// Package eventlog provides an append-only JSONL log of hidden conversation
// events. Objective-update events recorded here are the input to the progress
// summarizer; they are never shown to the user.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds.
const (
	// KindObjectiveUpdate carries the raw objective state emitted alongside
	// a model turn.
	KindObjectiveUpdate = "objective_update"
	// KindFinalized marks the conversation's finalizer run.
	KindFinalized = "finalized"
)

// Event is one logged conversation event.
type Event struct {
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Turn           int             `json:"turn"`
}

// NewObjectiveUpdate builds an objective-update event for a turn. The payload
// is stored verbatim so the summarizer sees exactly what the model emitted.
func NewObjectiveUpdate(convID string, turn int, payload []byte) *Event {
	return &Event{
		Timestamp:      time.Now().UTC(),
		ConversationID: convID,
		Kind:           KindObjectiveUpdate,
		Turn:           turn,
		Payload:        json.RawMessage(payload),
	}
}

// Writer appends events to daily rotated JSONL files.
type Writer struct {
	currentFile *os.File
	logDir      string
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates an event log writer rooted at logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Write appends one event to the current log file, rotating first if the day
// has changed.
func (w *Writer) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = date
	return nil
}

// CurrentLogFile returns the path of the active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// Close closes the active log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// ReadConversation returns all events for one conversation across every log
// file under logDir, in the order they were written.
func ReadConversation(logDir, convID string) ([]*Event, error) {
	files, err := ListLogFiles(logDir)
	if err != nil {
		return nil, err
	}

	var events []*Event
	for _, path := range files {
		fileEvents, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for _, ev := range fileEvents {
			if ev.ConversationID == convID {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func readFile(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event in %s: %w", path, err)
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log file %s: %w", path, err)
	}
	return events, nil
}

// ListLogFiles returns all event log files under logDir, sorted by name so
// daily files come back in chronological order.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event log files: %w", err)
	}
	return files, nil
}
