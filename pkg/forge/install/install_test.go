package install

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

type fakeInstaller struct {
	calls []VersionRecord
	err   error
}

func (f *fakeInstaller) Install(_ context.Context, want VersionRecord) error {
	f.calls = append(f.calls, want)
	return f.err
}

type capture struct {
	event   string
	payload any
}

type capturePublisher struct{ got []capture }

func (p *capturePublisher) Publish(event string, payload any) {
	p.got = append(p.got, capture{event, payload})
}

func TestVersionRecord_JSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  VersionRecord
		want string
	}{
		{"none", VersionRecord{}, `{"version":false,"forge":""}`},
		{"installed", NewVersionRecord("1.20.1", "47.2.0"), `{"version":"1.20.1","forge":"47.2.0"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tt.rec)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var back VersionRecord
			require.NoError(t, json.Unmarshal(data, &back))
			assert.True(t, tt.rec.Equal(back))
		})
	}
}

func TestVersionRecord_UnmarshalVariants(t *testing.T) {
	t.Parallel()

	var r VersionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"version":null,"forge":"x"}`), &r))
	assert.False(t, r.Installed())
	assert.Equal(t, "x", r.Forge)

	require.NoError(t, json.Unmarshal([]byte(`{"forge":"y"}`), &r))
	assert.False(t, r.Installed())

	assert.Error(t, json.Unmarshal([]byte(`{"version":12}`), &r))
}

func TestVersionRecord_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "none", VersionRecord{}.String())
	assert.Equal(t, "1.20.1", NewVersionRecord("1.20.1", "").String())
	assert.Equal(t, "1.20.1-forge-47.2.0", NewVersionRecord("1.20.1", "47.2.0").String())
}

func TestLoadSaveVersion(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	rec, err := LoadVersion(dir)
	require.NoError(t, err)
	assert.False(t, rec.Installed())

	want := NewVersionRecord("1.19.2", "43.3.0")
	require.NoError(t, SaveVersion(dir, want))

	got, err := LoadVersion(dir)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	require.NoError(t, os.WriteFile(filepath.Join(dir, VersionFile), []byte("nope"), 0o644))
	_, err = LoadVersion(dir)
	assert.Error(t, err)
}

func TestChecker_InstallsOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inst := &fakeInstaller{}
	pub := &capturePublisher{}

	c := NewChecker(dir, "1.20.1", "47.2.0", inst)
	changed, err := c.Reconcile(context.Background(), pub)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, inst.calls, 1)
	assert.Equal(t, "1.20.1", inst.calls[0].VersionString())

	require.Len(t, pub.got, 1)
	assert.Equal(t, events.EventVersionChange, pub.got[0].event)
	data, err := json.Marshal(pub.got[0].payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"newVersion":"1.20.1","oldVersion":false,"newForge":"47.2.0","oldForge":""}`, string(data))

	stored, err := LoadVersion(dir)
	require.NoError(t, err)
	assert.True(t, stored.Equal(c.Want))

	// Same version again: nothing happens.
	pub.got = nil
	changed, err = c.Reconcile(context.Background(), pub)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, inst.calls, 1)
	assert.Empty(t, pub.got)

	// Upgrade reports the previous version.
	c2 := NewChecker(dir, "1.20.2", "48.0.1", inst)
	_, err = c2.Reconcile(context.Background(), pub)
	require.NoError(t, err)
	require.Len(t, pub.got, 1)
	data, err = json.Marshal(pub.got[0].payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"newVersion":"1.20.2","oldVersion":"1.20.1","newForge":"48.0.1","oldForge":"47.2.0"}`, string(data))
}

func TestChecker_InstallerFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	boom := errors.New("boom")
	pub := &capturePublisher{}

	c := NewChecker(dir, "1.20.1", "", &fakeInstaller{err: boom})
	_, err := c.Reconcile(context.Background(), pub)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pub.got)

	rec, err := LoadVersion(dir)
	require.NoError(t, err)
	assert.False(t, rec.Installed(), "failed install must not be recorded")
}

func TestChecker_Disabled(t *testing.T) {
	t.Parallel()
	inst := &fakeInstaller{}
	c := NewChecker(t.TempDir(), "", "", inst)

	changed, err := c.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, inst.calls)
}

func TestCommandInstaller(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	inst := &CommandInstaller{
		Dir:     dir,
		Command: []string{"/bin/sh", "-c", `printf '%s %s' "$FORGEVISOR_VERSION" "$FORGEVISOR_FORGE_VERSION" > installed.txt`},
	}
	require.NoError(t, inst.Install(context.Background(), NewVersionRecord("1.20.1", "47.2.0")))

	data, err := os.ReadFile(filepath.Join(dir, "installed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1.20.1 47.2.0", string(data))
}

func TestCommandInstaller_Failure(t *testing.T) {
	t.Parallel()

	inst := &CommandInstaller{Dir: t.TempDir(), Command: []string{"/bin/sh", "-c", "echo broken >&2; exit 3"}}
	err := inst.Install(context.Background(), NewVersionRecord("1", ""))
	require.ErrorIs(t, err, ErrInstall)
	assert.Contains(t, err.Error(), "broken")

	empty := &CommandInstaller{Dir: t.TempDir()}
	assert.ErrorIs(t, empty.Install(context.Background(), NewVersionRecord("1", "")), ErrInstall)
}
