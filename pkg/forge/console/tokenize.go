package console

import (
	"strconv"
	"strings"
	"unicode"
)

// Tokenize splits a cleaned line into tags and message:
//
//	line := ws* (tag ws*)* [":" ws*] message
//	tag  := "[" tagchar* "]"
//
// tagchar is an ASCII letter or digit, a space or tab, '/', '\', ':' or
// '.'. The leading run of tags is removed from the message. Bracketed
// tokens inside the message that fit the tag alphabet are collected as well
// but stay in the message text.
func Tokenize(line string) Event {
	var tags []string

	i := skipSpace(line, 0)
	for {
		tag, next, ok := readTag(line, i)
		if !ok {
			break
		}
		tags = append(tags, tag)
		i = skipSpace(line, next)
	}

	if i < len(line) && line[i] == ':' {
		i = skipSpace(line, i+1)
	}
	message := strings.TrimRightFunc(line[i:], unicode.IsSpace)

	for j := 0; j < len(message); {
		if message[j] != '[' {
			j++
			continue
		}
		tag, next, ok := readTag(message, j)
		if !ok {
			j++
			continue
		}
		tags = append(tags, tag)
		j = next
	}

	if tags == nil {
		tags = []string{}
	}
	return Event{Tags: tags, Message: message}
}

// readTag reads a tag starting at s[i] == '['. It returns the tag text and
// the index just past the closing bracket.
func readTag(s string, i int) (string, int, bool) {
	if i >= len(s) || s[i] != '[' {
		return "", i, false
	}
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		if c == ']' {
			return s[i+1 : j], j + 1, true
		}
		if !isTagChar(c) {
			return "", i, false
		}
	}
	return "", i, false
}

func isTagChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == ' ', c == '\t', c == '/', c == '\\', c == ':', c == '.':
		return true
	}
	return false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

// readyMarker is the lowercase prefix of the startup-complete message,
// e.g. "Done (3.21s)! For help, type "help"".
const readyMarker = "done ("

// IsReady reports whether message contains Done (<float>s)!, ignoring case.
func IsReady(message string) bool {
	lower := strings.ToLower(message)
	for {
		i := strings.Index(lower, readyMarker)
		if i < 0 {
			return false
		}
		rest := lower[i+len(readyMarker):]
		if end := strings.Index(rest, "s)!"); end > 0 {
			num := rest[:end]
			if num[0] >= '0' && num[0] <= '9' {
				if _, err := strconv.ParseFloat(num, 64); err == nil {
					return true
				}
			}
		}
		lower = rest
	}
}
