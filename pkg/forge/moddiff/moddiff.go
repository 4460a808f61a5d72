// Package moddiff compares the mod directory against the persisted manifest
// and reports additions, updates and deletions.
//
// A scan runs a deletion pass over the manifest first and then enumerates
// the directory. A file deleted and replaced while a scan is running may
// therefore be reported as an update, an addition, or not at all.
package moddiff

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
	"github.com/jamesainslie/forgevisor/pkg/forge/manifest"
)

var (
	// ErrScanInProgress is returned when a scan is requested while another runs.
	ErrScanInProgress = errors.New("mod scan already in progress")
	// ErrEnumerate is returned when the mod directory cannot be listed.
	ErrEnumerate = errors.New("cannot enumerate mod directory")
	// ErrPersist is returned when the manifest cannot be written.
	ErrPersist = errors.New("cannot persist mod manifest")
	// ErrManifest is returned when the stored manifest cannot be read.
	ErrManifest = errors.New("cannot read mod manifest")
)

// Kind classifies a change.
type Kind string

// Change kinds.
const (
	Addition Kind = "addition"
	Update   Kind = "update"
	Deletion Kind = "deletion"
)

// Event returns the bus event name for the kind.
func (k Kind) Event() string {
	switch k {
	case Addition:
		return events.EventModAddition
	case Update:
		return events.EventModUpdate
	default:
		return events.EventModDeletion
	}
}

// Change is one batch of records of the same kind. Deletions carry the
// stored record, additions and updates the fresh one.
type Change struct {
	Kind    Kind              `json:"kind"`
	Records []manifest.Record `json:"records"`
}

// Result is the outcome of one scan.
type Result struct {
	// Manifest is the updated manifest. The input manifest is never modified.
	Manifest *manifest.Manifest
	// Changes holds at most one non-empty batch per kind: deletions,
	// additions, then updates.
	Changes []Change
	// Scanned counts the files hashed.
	Scanned int
	// Skipped lists files that could not be read.
	Skipped []string
}

// Changed reports whether the scan found any difference.
func (r Result) Changed() bool {
	return len(r.Changes) > 0
}

// Batch returns the records of the given kind.
func (r Result) Batch(k Kind) []manifest.Record {
	for _, c := range r.Changes {
		if c.Kind == k {
			return c.Records
		}
	}
	return nil
}

// Options configures an Engine.
type Options struct {
	// ModDir is the directory holding mod files.
	ModDir string
	// ManifestPath is the mods.json location.
	ManifestPath string
	// HashWorkers bounds concurrent hashing. Zero means 4.
	HashWorkers int
	// SaveAttempts bounds manifest write retries. Zero means manifest.DefaultSaveAttempts.
	SaveAttempts int
}

// Engine runs scans and keeps the manifest on disk in step with them.
// Only one scan runs at a time.
type Engine struct {
	opts     Options
	scanning atomic.Bool
	logger   *logging.Logger

	mu      sync.RWMutex
	current *manifest.Manifest
}

// New returns an engine for the configured directory and manifest.
func New(opts Options) *Engine {
	if opts.HashWorkers <= 0 {
		opts.HashWorkers = 4
	}
	if opts.SaveAttempts <= 0 {
		opts.SaveAttempts = manifest.DefaultSaveAttempts
	}
	return &Engine{
		opts:    opts,
		logger:  logging.Get("moddiff"),
		current: manifest.New(),
	}
}

// ModDir returns the watched directory.
func (e *Engine) ModDir() string {
	return e.opts.ModDir
}

// Manifest returns a copy of the manifest as of the last reconcile.
func (e *Engine) Manifest() *manifest.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.Clone()
}

// Scan diffs modDir against m without touching disk state or publishing.
func (e *Engine) Scan(ctx context.Context, modDir string, m *manifest.Manifest) (Result, error) {
	if !e.scanning.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer e.scanning.Store(false)

	return e.scan(ctx, modDir, m)
}

// Reconcile loads the manifest, scans the mod directory, saves the manifest
// when it changed and publishes one event per non-empty batch.
func (e *Engine) Reconcile(ctx context.Context, pub events.Publisher) (Result, error) {
	if !e.scanning.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer e.scanning.Store(false)

	stored, err := manifest.Load(e.opts.ManifestPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	res, err := e.scan(ctx, e.opts.ModDir, stored)
	if err != nil {
		return Result{}, err
	}

	if res.Changed() {
		if err := manifest.SaveWithRetry(e.opts.ManifestPath, res.Manifest, e.opts.SaveAttempts); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}

	e.mu.Lock()
	e.current = res.Manifest.Clone()
	e.mu.Unlock()

	if pub != nil {
		for _, c := range res.Changes {
			pub.Publish(c.Kind.Event(), c.Records)
		}
	}

	e.logger.Info("mods reconciled",
		"dir", e.opts.ModDir,
		"files", res.Scanned,
		"added", len(res.Batch(Addition)),
		"updated", len(res.Batch(Update)),
		"deleted", len(res.Batch(Deletion)),
		"skipped", len(res.Skipped))

	return res, nil
}

func (e *Engine) scan(ctx context.Context, modDir string, m *manifest.Manifest) (Result, error) {
	if m == nil {
		m = manifest.New()
	}
	working := m.Clone()
	res := Result{Manifest: working}

	var deleted []manifest.Record
	for _, r := range m.Records() {
		gone, err := isGone(filepath.Join(modDir, r.Filename))
		if err != nil {
			e.logger.Warn("cannot stat tracked mod", "file", r.Filename, "error", err)
			continue
		}
		if gone {
			deleted = append(deleted, r)
			working.Remove(r.Filename)
		}
	}

	names, err := e.enumerate(ctx, modDir)
	if err != nil {
		return Result{}, err
	}

	hashes := make([]string, len(names))
	failed := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.HashWorkers)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hashes[i], failed[i] = HashFile(filepath.Join(modDir, name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var added, updated []manifest.Record
	for i, name := range names {
		if failed[i] != nil {
			e.logger.Warn("skipping unreadable mod", "file", name, "error", failed[i])
			res.Skipped = append(res.Skipped, name)
			continue
		}
		res.Scanned++

		rec := manifest.Record{Filename: name, Hash: hashes[i]}
		prev, known := working.Get(name)
		switch {
		case !known:
			working.Put(rec)
			added = append(added, rec)
		case prev.Hash != rec.Hash:
			working.Put(rec)
			updated = append(updated, rec)
		}
	}

	for _, c := range []Change{{Deletion, deleted}, {Addition, added}, {Update, updated}} {
		if len(c.Records) > 0 {
			res.Changes = append(res.Changes, c)
		}
	}
	return res, nil
}

// enumerate lists the regular files directly inside dir, sorted by name.
// Subdirectories are not descended into.
func (e *Engine) enumerate(ctx context.Context, dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerate, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrEnumerate, dir)
	}
	root := filepath.Clean(dir)

	var (
		mu    sync.Mutex
		names []string
	)
	conf := fastwalk.Config{Follow: false}
	walkErr := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return err
		}
		if err != nil {
			e.logger.Warn("cannot read mod entry", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return fastwalk.SkipDir
		}
		if !isRegular(path, d) {
			return nil
		}

		mu.Lock()
		names = append(names, filepath.Base(path))
		mu.Unlock()
		return nil
	})
	if walkErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrEnumerate, walkErr)
	}

	sort.Strings(names)
	return names, nil
}

// isGone reports whether a tracked mod no longer counts as one: it is
// missing, or enumerate would skip it (a directory, a dangling symlink).
func isGone(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	info, err := os.Stat(path)
	return err != nil || !info.Mode().IsRegular(), nil
}

// isRegular accepts regular files and symlinks that resolve to one.
func isRegular(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// HashFile returns the lowercase hex SHA-512 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
