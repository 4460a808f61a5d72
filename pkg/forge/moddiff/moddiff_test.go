package moddiff

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/manifest"
)

func sum(content string) string {
	h := sha512.Sum512([]byte(content))
	return hex.EncodeToString(h[:])
}

func writeMod(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

type published struct {
	event   string
	records []manifest.Record
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []published
}

func (p *recordingPublisher) Publish(event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs, _ := payload.([]manifest.Record)
	p.got = append(p.got, published{event: event, records: recs})
}

func newEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()
	root := t.TempDir()
	modDir := filepath.Join(root, "mods")
	require.NoError(t, os.Mkdir(modDir, 0o755))
	manifestPath := filepath.Join(root, "mods.json")
	return New(Options{ModDir: modDir, ManifestPath: manifestPath, HashWorkers: 2}), modDir, manifestPath
}

func TestHashFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeMod(t, dir, "a.jar", "hello")

	got, err := HashFile(filepath.Join(dir, "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, sum("hello"), got)
	assert.Len(t, got, 128)

	_, err = HashFile(filepath.Join(dir, "missing.jar"))
	assert.Error(t, err)
}

func TestScan_Partition(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)

	writeMod(t, modDir, "same.jar", "same")
	writeMod(t, modDir, "changed.jar", "v2")
	writeMod(t, modDir, "new.jar", "new")
	require.NoError(t, os.Mkdir(filepath.Join(modDir, "config"), 0o755))
	writeMod(t, filepath.Join(modDir, "config"), "nested.jar", "nested")

	m := manifest.FromRecords([]manifest.Record{
		{Filename: "same.jar", Hash: sum("same")},
		{Filename: "changed.jar", Hash: sum("v1")},
		{Filename: "gone.jar", Hash: sum("gone")},
	})

	res, err := e.Scan(context.Background(), modDir, m)
	require.NoError(t, err)

	assert.Equal(t, []manifest.Record{{Filename: "gone.jar", Hash: sum("gone")}}, res.Batch(Deletion))
	assert.Equal(t, []manifest.Record{{Filename: "new.jar", Hash: sum("new")}}, res.Batch(Addition))
	assert.Equal(t, []manifest.Record{{Filename: "changed.jar", Hash: sum("v2")}}, res.Batch(Update))
	assert.Equal(t, 3, res.Scanned)

	require.Len(t, res.Changes, 3)
	assert.Equal(t, Deletion, res.Changes[0].Kind, "deletions come first")

	// Updated manifest matches the directory; input is untouched.
	assert.Equal(t, 3, res.Manifest.Len())
	r, _ := res.Manifest.Get("changed.jar")
	assert.Equal(t, sum("v2"), r.Hash)
	_, ok := res.Manifest.Get("nested.jar")
	assert.False(t, ok, "subdirectories are skipped")

	old, _ := m.Get("changed.jar")
	assert.Equal(t, sum("v1"), old.Hash)
	assert.Equal(t, 3, m.Len())
}

func TestScan_UpdateKeepsPosition(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)

	writeMod(t, modDir, "a.jar", "a2")
	writeMod(t, modDir, "b.jar", "b")
	m := manifest.FromRecords([]manifest.Record{
		{Filename: "a.jar", Hash: sum("a1")},
		{Filename: "b.jar", Hash: sum("b")},
	})

	res, err := e.Scan(context.Background(), modDir, m)
	require.NoError(t, err)
	recs := res.Manifest.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "a.jar", recs[0].Filename)
	assert.Equal(t, sum("a2"), recs[0].Hash)
}

func TestScan_Idempotent(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)
	writeMod(t, modDir, "a.jar", "a")
	writeMod(t, modDir, "b.jar", "b")

	first, err := e.Scan(context.Background(), modDir, manifest.New())
	require.NoError(t, err)
	require.True(t, first.Changed())

	second, err := e.Scan(context.Background(), modDir, first.Manifest)
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.True(t, first.Manifest.Equal(second.Manifest))
}

func TestScan_EmptyDirectoryEmptyManifest(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)

	res, err := e.Scan(context.Background(), modDir, nil)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 0, res.Manifest.Len())
}

func TestScan_MissingDirectory(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)

	_, err := e.Scan(context.Background(), filepath.Join(t.TempDir(), "absent"), manifest.New())
	assert.ErrorIs(t, err, ErrEnumerate)
}

func TestScan_NotADirectory(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)
	writeMod(t, modDir, "file.jar", "x")

	_, err := e.Scan(context.Background(), filepath.Join(modDir, "file.jar"), manifest.New())
	assert.ErrorIs(t, err, ErrEnumerate)
}

func TestScan_UnreadableFileSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	t.Parallel()
	e, modDir, _ := newEngine(t)

	writeMod(t, modDir, "locked.jar", "new content")
	writeMod(t, modDir, "ok.jar", "ok")
	require.NoError(t, os.Chmod(filepath.Join(modDir, "locked.jar"), 0o000))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(modDir, "locked.jar"), 0o644) })

	m := manifest.FromRecords([]manifest.Record{{Filename: "locked.jar", Hash: sum("old")}})
	res, err := e.Scan(context.Background(), modDir, m)
	require.NoError(t, err)

	assert.Equal(t, []string{"locked.jar"}, res.Skipped)
	r, ok := res.Manifest.Get("locked.jar")
	require.True(t, ok)
	assert.Equal(t, sum("old"), r.Hash, "unreadable file keeps its record")
	assert.Empty(t, res.Batch(Update))
	assert.Len(t, res.Batch(Addition), 1)
}

func TestScan_SymlinkedFileIncluded(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)

	target := filepath.Join(t.TempDir(), "real.jar")
	require.NoError(t, os.WriteFile(target, []byte("linked"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(modDir, "link.jar")))

	res, err := e.Scan(context.Background(), modDir, manifest.New())
	require.NoError(t, err)
	assert.Equal(t, []manifest.Record{{Filename: "link.jar", Hash: sum("linked")}}, res.Batch(Addition))
}

func TestScan_TrackedEntryNoLongerAFile(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)

	m := manifest.New()
	m.Put(manifest.Record{Filename: "a.jar", Hash: sum("a")})
	m.Put(manifest.Record{Filename: "b.jar", Hash: sum("b")})
	m.Put(manifest.Record{Filename: "c.jar", Hash: sum("c")})

	require.NoError(t, os.Mkdir(filepath.Join(modDir, "a.jar"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(modDir, "missing.jar"), filepath.Join(modDir, "b.jar")))
	writeMod(t, modDir, "c.jar", "c")

	res, err := e.Scan(context.Background(), modDir, m)
	require.NoError(t, err)

	assert.Equal(t, []manifest.Record{
		{Filename: "a.jar", Hash: sum("a")},
		{Filename: "b.jar", Hash: sum("b")},
	}, res.Batch(Deletion))
	assert.Empty(t, res.Batch(Addition))
	assert.Empty(t, res.Batch(Update))
	assert.Equal(t, []manifest.Record{{Filename: "c.jar", Hash: sum("c")}}, res.Manifest.Records())
}

func TestScan_Cancelled(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)
	writeMod(t, modDir, "a.jar", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Scan(ctx, modDir, manifest.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_SerialisesConcurrentCalls(t *testing.T) {
	t.Parallel()
	e, modDir, _ := newEngine(t)

	e.scanning.Store(true)
	_, err := e.Scan(context.Background(), modDir, manifest.New())
	assert.ErrorIs(t, err, ErrScanInProgress)
	_, err = e.Reconcile(context.Background(), nil)
	assert.ErrorIs(t, err, ErrScanInProgress)

	e.scanning.Store(false)
	_, err = e.Scan(context.Background(), modDir, manifest.New())
	assert.NoError(t, err)
}

func TestReconcile_PersistsAndPublishes(t *testing.T) {
	t.Parallel()
	e, modDir, manifestPath := newEngine(t)

	// Scenario: empty manifest, two new jars.
	writeMod(t, modDir, "a.jar", "a")
	writeMod(t, modDir, "b.jar", "b")

	pub := &recordingPublisher{}
	res, err := e.Reconcile(context.Background(), pub)
	require.NoError(t, err)
	assert.Len(t, res.Batch(Addition), 2)

	require.Len(t, pub.got, 1)
	assert.Equal(t, events.EventModAddition, pub.got[0].event)
	assert.Len(t, pub.got[0].records, 2)

	onDisk, err := manifest.Load(manifestPath)
	require.NoError(t, err)
	assert.True(t, onDisk.Equal(res.Manifest))
	assert.True(t, e.Manifest().Equal(onDisk))

	// Scenario: one jar removed, one replaced.
	require.NoError(t, os.Remove(filepath.Join(modDir, "a.jar")))
	writeMod(t, modDir, "b.jar", "b2")

	pub.got = nil
	_, err = e.Reconcile(context.Background(), pub)
	require.NoError(t, err)
	require.Len(t, pub.got, 2)
	assert.Equal(t, events.EventModDeletion, pub.got[0].event)
	assert.Equal(t, []manifest.Record{{Filename: "a.jar", Hash: sum("a")}}, pub.got[0].records)
	assert.Equal(t, events.EventModUpdate, pub.got[1].event)
	assert.Equal(t, []manifest.Record{{Filename: "b.jar", Hash: sum("b2")}}, pub.got[1].records)

	// Scenario: nothing changed, nothing published, file untouched.
	before, err := os.Stat(manifestPath)
	require.NoError(t, err)
	pub.got = nil
	res, err = e.Reconcile(context.Background(), pub)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Empty(t, pub.got)
	after, err := os.Stat(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestReconcile_MalformedManifest(t *testing.T) {
	t.Parallel()
	e, _, manifestPath := newEngine(t)
	require.NoError(t, os.WriteFile(manifestPath, []byte("{not json"), 0o644))

	_, err := e.Reconcile(context.Background(), nil)
	assert.ErrorIs(t, err, ErrManifest)
}

func TestReconcile_PersistFailure(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	modDir := filepath.Join(root, "mods")
	require.NoError(t, os.Mkdir(modDir, 0o755))
	writeMod(t, modDir, "a.jar", "a")

	// The manifest path is occupied by a non-empty directory.
	manifestPath := filepath.Join(root, "mods.json")
	require.NoError(t, os.MkdirAll(filepath.Join(manifestPath, "x"), 0o755))

	e := New(Options{ModDir: modDir, ManifestPath: manifestPath, SaveAttempts: 1})
	pub := &recordingPublisher{}
	_, err := e.Reconcile(context.Background(), pub)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersist) || errors.Is(err, ErrManifest), "got %v", err)
	assert.Empty(t, pub.got, "nothing is published when the manifest cannot be stored")
}

func TestKind_Event(t *testing.T) {
	t.Parallel()
	assert.Equal(t, events.EventModAddition, Addition.Event())
	assert.Equal(t, events.EventModUpdate, Update.Event())
	assert.Equal(t, events.EventModDeletion, Deletion.Event())
}
