// Package buffer keeps bounded text history for the bridge client.
package buffer

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// LineLog is a thread-safe bounded log of text lines. When an append would
// exceed capacity, whole lines are discarded from the front so the log
// never starts mid-line.
//
// The bridge client keeps its status text here so a user can read back what
// the reconnect logic did while they were away.
type LineLog struct {
	data     []byte
	capacity int
	dropped  int
	mu       sync.RWMutex
}

// NewLineLog creates a LineLog holding at most capacity bytes, newlines
// included. Capacities below 2 default to 2.
func NewLineLog(capacity int) *LineLog {
	if capacity < 2 {
		capacity = 2
	}
	return &LineLog{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one line. Trailing CR and LF are stripped and embedded ones
// become spaces. A line longer than the capacity keeps only its tail.
func (l *LineLog) Append(line string) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, line)
	if limit := l.capacity - 1; len(line) > limit {
		line = line[len(line)-limit:]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	need := len(l.data) + len(line) + 1
	if need > l.capacity {
		l.discard(need - l.capacity)
	}
	l.data = append(l.data, line...)
	l.data = append(l.data, '\n')
}

// Appendf formats and appends one line.
func (l *LineLog) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

// Write appends p split into lines. It implements io.Writer so the log can
// back a slog handler.
func (l *LineLog) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		if line == "" {
			continue
		}
		l.Append(line)
	}
	return len(p), nil
}

// discard drops whole lines from the front until at least n bytes are free.
// Caller holds the write lock.
func (l *LineLog) discard(n int) {
	cut := 0
	for cut < n && cut < len(l.data) {
		i := bytes.IndexByte(l.data[cut:], '\n')
		if i < 0 {
			cut = len(l.data)
			break
		}
		cut += i + 1
		l.dropped++
	}
	remaining := copy(l.data, l.data[cut:])
	l.data = l.data[:remaining]
}

// Lines returns the retained lines, oldest first.
func (l *LineLog) Lines() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.data) == 0 {
		return nil
	}
	return strings.Split(string(l.data[:len(l.data)-1]), "\n")
}

// String returns the retained lines joined by newlines.
func (l *LineLog) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return string(l.data)
}

// Dropped returns how many lines have been discarded for space.
func (l *LineLog) Dropped() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.dropped
}

// Clear removes all lines.
func (l *LineLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.data = l.data[:0]
}

// Len returns the current number of bytes held.
func (l *LineLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.data)
}

// Cap returns the capacity in bytes.
func (l *LineLog) Cap() int {
	return l.capacity
}
