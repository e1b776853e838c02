// Package framer recovers CR/LF delimited lines from a stream that arrives
// in arbitrarily sized chunks.
package framer

import (
	"iter"
	"strings"
)

// Heartbeat is the keep-alive line the bridge sends on a fixed period.
// Consumers drop it without treating it as protocol input.
const Heartbeat = "HEARTBEAT"

// IsHeartbeat reports whether line is the keep-alive sentinel.
func IsHeartbeat(line string) bool {
	return line == Heartbeat
}

// Framer splits a chunked stream into lines. A Framer belongs to one stream;
// make a new one for every new connection so that a fragment from one
// connection can never be joined to text from the next.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	leftover string
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Feed appends chunk to the pending fragment and returns every line that is
// now terminated, in order. Any CR or LF ends a line; empty lines between
// consecutive terminators are dropped. The unterminated tail is kept for the
// next call and never returned, however long it grows.
func (f *Framer) Feed(chunk string) []string {
	data := f.leftover + chunk

	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\r' && data[i] != '\n' {
			continue
		}
		if i > start {
			lines = append(lines, data[start:i])
		}
		start = i + 1
	}

	// Copy the tail so it does not pin the whole concatenated chunk.
	f.leftover = strings.Clone(data[start:])
	return lines
}

// Messages is Feed as an iterator.
func (f *Framer) Messages(chunk string) iter.Seq[string] {
	lines := f.Feed(chunk)
	return func(yield func(string) bool) {
		for _, line := range lines {
			if !yield(line) {
				return
			}
		}
	}
}

// Leftover returns the unterminated tail held for the next Feed.
func (f *Framer) Leftover() string {
	return f.leftover
}

// Reset discards the pending fragment.
func (f *Framer) Reset() {
	f.leftover = ""
}
