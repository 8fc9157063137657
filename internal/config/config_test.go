package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
	assert.Equal(t, "block", p.Strategy)
	assert.Zero(t, p.Threads)
}

func TestLoadReadsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"threads: 4\nstrategy: file\nskip_zerofill: true\nstrict_layout: true\ncopy_workers: 8\n"), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Threads)
	assert.Equal(t, "file", p.Strategy)
	assert.True(t, p.SkipZeroFill)
	assert.True(t, p.StrictLayout)
	assert.Equal(t, 8, p.CopyWorkers)
}

func TestLoadPartialProfileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threads: 2\n"), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Threads)
	assert.Equal(t, "block", p.Strategy)
}

func TestLoadMalformedProfileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threads: [not a number\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
