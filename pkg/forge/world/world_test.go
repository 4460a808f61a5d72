package world

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want bool
	}{
		{"world", true},
		{"world_nether", true},
		{"my world", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a..b", false},
		{"../world", false},
		{"nested/world", false},
		{`back\slash`, false},
		{"/abs", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidName(tt.name), "ValidName(%q)", tt.name)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	world := filepath.Join(dir, "world", "region")
	require.NoError(t, os.MkdirAll(world, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(world, "r.0.0.mca"), []byte("x"), 0o644))

	require.NoError(t, Remove(dir, "world", false))
	_, err := os.Stat(filepath.Join(dir, "world"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRemove_Reasons(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "world"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), nil, 0o644))

	tests := []struct {
		desc    string
		name    string
		running bool
		want    Reason
	}{
		{"invalid name", "../etc", false, ReasonInvoke},
		{"running server", "world", true, ReasonPTY},
		{"invalid name wins over running", "..", true, ReasonInvoke},
		{"missing", "world_the_end", false, ReasonNotExist},
		{"regular file", "server.properties", false, ReasonNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			err := Remove(dir, tt.name, tt.running)
			require.Error(t, err)
			assert.Equal(t, tt.want, ReasonOf(err))

			var we *Error
			require.ErrorAs(t, err, &we)
			assert.Equal(t, tt.name, we.Name)
			assert.Contains(t, err.Error(), string(tt.want))
		})
	}

	_, err := os.Stat(filepath.Join(dir, "world"))
	assert.NoError(t, err, "refused removals leave the world in place")
}

func TestReasonOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Reason(""), ReasonOf(errors.New("plain")))
	assert.Equal(t, Reason(""), ReasonOf(nil))

	wrapped := errors.Join(errors.New("ctx"), &Error{Reason: ReasonPTY, Name: "w"})
	assert.Equal(t, ReasonPTY, ReasonOf(wrapped))
}
