// Package sseutil provides a minimal server-sent-events line scanner and
// parser shared by the OpenAI and Anthropic adapters, so neither has to
// fully unmarshal every chunk to forward it.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// Scanner reads an SSE stream line by line. It is a thin wrapper over
// bufio.Scanner with a larger max token size, since some providers emit
// very long single-line JSON payloads.
type Scanner struct {
	s *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{s: s}
}

func (sc *Scanner) Scan() bool   { return sc.s.Scan() }
func (sc *Scanner) Text() string { return sc.s.Text() }
func (sc *Scanner) Err() error   { return sc.s.Err() }

// ParseSSELine parses one line of an SSE stream. It returns the field name
// ("data", "event", ...), the value, and whether the line carried a field
// at all (blank lines and comments return ok=false).
func ParseSSELine(line string) (field, value string, ok bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", "", false
	}
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, "", true
	}
	field = line[:idx]
	value = strings.TrimPrefix(line[idx+1:], " ")
	return field, value, true
}
