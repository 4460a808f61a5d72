// Package output provides formatters for displaying forgevisor status, mod
// lists, scan results and event history in various output formats (pretty,
// plain, json, yaml, etc.).
//
// The package uses a registry pattern to allow registration of multiple
// formatter implementations that can be selected at runtime.
//
// Basic usage:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, result); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(buf.String())
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DaemonInfo describes the running forgevisord.
type DaemonInfo struct {
	PID       int    `json:"pid" yaml:"pid"`
	Uptime    string `json:"uptime" yaml:"uptime"`
	Watching  bool   `json:"watching" yaml:"watching"`
	Webhooks  int    `json:"webhooks" yaml:"webhooks"`
	Listeners int    `json:"listeners" yaml:"listeners"`

	// Health is the gRPC health status of the game server, if it was checked.
	Health string `json:"health,omitempty" yaml:"health,omitempty"`
}

// ServerInfo describes the supervised game server.
type ServerInfo struct {
	State     string    `json:"state" yaml:"state"`
	PID       int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	Dir       string    `json:"dir" yaml:"dir"`
	Command   []string  `json:"command" yaml:"command"`
	StartedAt time.Time `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	ReadyAt   time.Time `json:"ready_at,omitzero" yaml:"ready_at,omitempty"`
	ExitedAt  time.Time `json:"exited_at,omitzero" yaml:"exited_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty" yaml:"last_exit,omitempty"`
}

// Mod is one tracked mod file.
type Mod struct {
	Filename string `json:"filename" yaml:"filename"`
	Hash     string `json:"hash" yaml:"hash"`

	// Size is the file size in bytes, when known.
	Size int64 `json:"size,omitempty" yaml:"size,omitempty"`

	// SizeHuman is the human-readable file size (e.g., "1.5 MiB").
	SizeHuman string `json:"size_human,omitempty" yaml:"size_human,omitempty"`
}

// ScanInfo summarises one reconciliation of the mod directory.
type ScanInfo struct {
	Time      time.Time `json:"time,omitzero" yaml:"time,omitempty"`
	Scanned   int       `json:"scanned" yaml:"scanned"`
	Additions int       `json:"additions" yaml:"additions"`
	Updates   int       `json:"updates" yaml:"updates"`
	Deletions int       `json:"deletions" yaml:"deletions"`
	Skipped   []string  `json:"skipped,omitempty" yaml:"skipped,omitempty"`

	// Offline is set when the scan ran without a daemon and published nothing.
	Offline bool `json:"offline,omitempty" yaml:"offline,omitempty"`
}

// Change is one record touched by a scan.
type Change struct {
	Kind     string `json:"kind" yaml:"kind"`
	Filename string `json:"filename" yaml:"filename"`
	Hash     string `json:"hash" yaml:"hash"`
}

// Event is one journaled event.
type Event struct {
	Time  time.Time `json:"time" yaml:"time"`
	Event string    `json:"event" yaml:"event"`
	Data  string    `json:"data" yaml:"data"`
}

// Result contains the complete output data for formatting. Formatters
// render whichever sections are set.
type Result struct {
	Daemon   *DaemonInfo `json:"daemon,omitempty" yaml:"daemon,omitempty"`
	Server   *ServerInfo `json:"server,omitempty" yaml:"server,omitempty"`
	Mods     []Mod       `json:"mods,omitempty" yaml:"mods,omitempty"`
	Scan     *ScanInfo   `json:"scan,omitempty" yaml:"scan,omitempty"`
	Changes  []Change    `json:"changes,omitempty" yaml:"changes,omitempty"`
	History  []Event     `json:"history,omitempty" yaml:"history,omitempty"`
	Warnings []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// TotalModSize returns the sum of all known mod sizes.
func (r *Result) TotalModSize() int64 {
	var total int64
	for _, m := range r.Mods {
		total += m.Size
	}
	return total
}

// Formatter is the interface that all output formatters must implement.
type Formatter interface {
	// Format writes the formatted output to the buffer.
	// It returns an error if formatting fails.
	Format(w *bytes.Buffer, r *Result) error
}

// FormatterFactory is a function that creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FormatterFactory),
	}
}

// Register adds a formatter factory to the registry.
// It will replace any existing formatter with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
// It returns an error if the formatter is not found.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns a sorted list of all registered formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}
