// Package logger records upstream IRC traffic as JSON-Lines transcripts.
package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types.
const (
	EventReceived = "r"
	EventSent     = "s"
)

// TranscriptHeader is the first line of a transcript.
type TranscriptHeader struct {
	Version   int    `json:"version"`
	Server    string `json:"server"`
	Nick      string `json:"nick"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptEvent is one recorded line.
// Format: [time_offset, event_type, line]
type TranscriptEvent struct {
	TimeOffset float64
	EventType  string
	Line       string
}

// MarshalJSON implements custom JSON marshaling for TranscriptEvent.
func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.EventType, e.Line})
}

// UnmarshalJSON implements custom JSON unmarshaling for TranscriptEvent.
func (e *TranscriptEvent) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	eventType, ok := arr[1].(string)
	if !ok || (eventType != EventReceived && eventType != EventSent) {
		return fmt.Errorf("invalid event type")
	}
	line, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event line type")
	}

	e.TimeOffset = timeOffset
	e.EventType = eventType
	e.Line = line
	return nil
}

// Transcript appends upstream lines to a writer.
type Transcript struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewTranscript creates a transcript file in dir named after the server and
// the start time.
func NewTranscript(dir, server string) (*Transcript, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	start := time.Now()
	name := fmt.Sprintf("%s-%s.jsonl", sanitize(server), start.UTC().Format("20060102T150405Z"))
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}
	return &Transcript{writer: file, file: file, startTime: start, now: time.Now}, nil
}

// NewTranscriptWithWriter creates a transcript on w. now may be nil.
func NewTranscriptWithWriter(w io.Writer, now func() time.Time) *Transcript {
	if now == nil {
		now = time.Now
	}
	return &Transcript{writer: w, startTime: now(), now: now}
}

// WriteHeader writes the header line. Call it once before any event.
func (t *Transcript) WriteHeader(server, nick string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(TranscriptHeader{
		Version:   1,
		Server:    server,
		Nick:      nick,
		Timestamp: t.startTime.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Received records a line read from the server.
func (t *Transcript) Received(line string) error {
	return t.writeEvent(EventReceived, line)
}

// Sent records a line written to the server.
func (t *Transcript) Sent(line string) error {
	return t.writeEvent(EventSent, line)
}

func (t *Transcript) writeEvent(eventType, line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(TranscriptEvent{
		TimeOffset: t.now().Sub(t.startTime).Seconds(),
		EventType:  eventType,
		Line:       line,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the transcript file if the transcript owns it.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

// Path returns the file path, or "" for writer-backed transcripts.
func (t *Transcript) Path() string {
	if t.file == nil {
		return ""
	}
	return t.file.Name()
}

// ReadTranscript parses a transcript written by Transcript.
func ReadTranscript(r io.Reader) (TranscriptHeader, []TranscriptEvent, error) {
	var header TranscriptHeader
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, err
		}
		return header, nil, fmt.Errorf("empty transcript")
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, fmt.Errorf("invalid header: %w", err)
	}

	var events []TranscriptEvent
	for scanner.Scan() {
		var ev TranscriptEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return header, events, fmt.Errorf("invalid event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	return header, events, scanner.Err()
}

func sanitize(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "upstream"
	}
	return string(out)
}
