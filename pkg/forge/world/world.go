// Package world removes world directories from the server directory.
package world

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reason classifies a removal failure.
type Reason string

// Removal failure reasons.
const (
	// ReasonInvoke means the request itself was invalid.
	ReasonInvoke Reason = "INVOKE"
	// ReasonPTY means the server is running and holds the world open.
	ReasonPTY Reason = "PTY"
	// ReasonNotExist means no such world directory exists.
	ReasonNotExist Reason = "NOTEXIST"
)

// Error is returned by Remove.
type Error struct {
	Reason Reason
	Name   string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remove world %q: %s", e.Name, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf returns the reason carried by err, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var we *Error
	if errors.As(err, &we) {
		return we.Reason
	}
	return ""
}

// ValidName reports whether name is a single path element.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return name == filepath.Base(name)
}

// Remove deletes serverDir/name. It refuses while the server is running.
func Remove(serverDir, name string, running bool) error {
	if !ValidName(name) {
		return &Error{Reason: ReasonInvoke, Name: name}
	}
	if running {
		return &Error{Reason: ReasonPTY, Name: name}
	}

	path := filepath.Join(serverDir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Error{Reason: ReasonNotExist, Name: name}
		}
		return &Error{Reason: ReasonInvoke, Name: name, Err: err}
	}
	if !info.IsDir() {
		return &Error{Reason: ReasonNotExist, Name: name, Err: errors.New("not a directory")}
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove world %q: %w", name, err)
	}
	return nil
}
