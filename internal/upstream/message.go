package upstream

import (
	"strings"

	"github.com/irc-web-bridge/backend/internal/model"
)

// Message is the routing part of one IRC line. Only what the session itself
// acts on is parsed; everything else is forwarded untouched.
type Message struct {
	Prefix  string
	Command string
	Params  []string
}

// ParseMessage splits line into prefix, command and parameters. Message
// tags are skipped.
func ParseMessage(line string) Message {
	var m Message
	rest := strings.TrimLeft(line, " ")
	if strings.HasPrefix(rest, "@") {
		_, rest, _ = strings.Cut(rest, " ")
		rest = strings.TrimLeft(rest, " ")
	}
	if strings.HasPrefix(rest, ":") {
		m.Prefix, rest, _ = strings.Cut(rest[1:], " ")
		rest = strings.TrimLeft(rest, " ")
	}
	m.Command, rest, _ = strings.Cut(rest, " ")
	m.Command = strings.ToUpper(m.Command)

	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' {
			m.Params = append(m.Params, rest[1:])
			break
		}
		var param string
		param, rest, _ = strings.Cut(rest, " ")
		m.Params = append(m.Params, param)
	}
	return m
}

// Trailing returns the last parameter, or "".
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ValidateLine checks that line can be written as exactly one IRC line.
func ValidateLine(line string) error {
	if line == "" || strings.ContainsAny(line, "\r\n\x00") {
		return model.ErrInvalidLine
	}
	return nil
}
