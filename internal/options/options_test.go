package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesZeroConfigPlayer(t *testing.T) {
	o := Default()
	assert.Equal(t, SyncAudio, o.Sync)
	assert.Equal(t, SeekAuto, o.Seek)
	assert.Equal(t, 1, o.Loop)
	assert.Equal(t, 100, o.Volume)
	assert.Equal(t, ShowVideo, o.ShowMode)
	assert.False(t, o.Autoexit)
}

func TestLoadYAMLOverridesOnlyMentionedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("volume: 50\nautoexit: true\n"), 0o644))

	o := Default()
	require.NoError(t, LoadYAML(path, &o))

	assert.Equal(t, 50, o.Volume)
	assert.True(t, o.Autoexit)
	// fields the file didn't mention keep their Default() value.
	assert.Equal(t, SyncAudio, o.Sync)
	assert.Equal(t, 1, o.Loop)
}

func TestLoadYAMLMissingFileReturnsError(t *testing.T) {
	o := Default()
	err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), &o)
	require.Error(t, err)
}

func TestLoadYAMLMalformedReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("volume: [this is not a scalar"), 0o644))

	o := Default()
	err := LoadYAML(path, &o)
	require.Error(t, err)
}
