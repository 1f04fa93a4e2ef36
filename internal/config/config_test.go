package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConfigNameAppendsSuffixOnce(t *testing.T) {
	assert.Equal(t, "home.conf", NormalizeConfigName("home"))
	assert.Equal(t, "home.conf", NormalizeConfigName("home.conf"))
}

func TestDefaultConfigListerResolveAndList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.conf"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.conf"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte(""), 0o644))

	l := DefaultConfigLister{Dir: dir}

	path, ok := l.Resolve("a.conf")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "a.conf"), path)

	_, ok = l.Resolve("missing.conf")
	assert.False(t, ok)

	names, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.conf", "b.conf"}, names)
}

func TestDefaultConfigListerEmptyDirectory(t *testing.T) {
	l := DefaultConfigLister{Dir: t.TempDir()}
	names, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{}, names)
}

func TestDefaultConfigListerMissingDirectoryIsEmptyNotError(t *testing.T) {
	l := DefaultConfigLister{Dir: filepath.Join(t.TempDir(), "does-not-exist")}
	names, err := l.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDefaultBinaryResolver(t *testing.T) {
	base := t.TempDir()
	binDir := filepath.Join(base, "wireproxy")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	binPath := filepath.Join(binDir, "wireproxy")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))

	r := DefaultBinaryResolver{BaseDir: base}
	resolved, err := r.ResolvePath("wireproxy")
	require.NoError(t, err)
	assert.Equal(t, binPath, resolved)
}

func TestDefaultBinaryResolverMissing(t *testing.T) {
	r := DefaultBinaryResolver{BaseDir: t.TempDir()}
	_, err := r.ResolvePath("wireproxy")
	assert.Error(t, err)
}
