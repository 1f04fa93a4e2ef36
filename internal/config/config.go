// Package config resolves a managed-binary name to a filesystem path and
// enumerates/resolves configuration files by name. Both are thin
// directory lookups, so they are stdlib-only (os, path/filepath).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BinaryResolver answers "does this executable name resolve to a path
// that exists?" for the managed child binary.
type BinaryResolver interface {
	ResolvePath(name string) (string, error)
}

// ConfigLister answers "does config name N resolve to a path P that
// exists?" and "list available names", over a directory of *.conf files.
type ConfigLister interface {
	Resolve(name string) (path string, ok bool)
	List() ([]string, error)
}

// DefaultBinaryResolver looks for <baseDir>/<name>/<name>, the layout used
// for the managed wireproxy/wireproxy executable.
type DefaultBinaryResolver struct {
	BaseDir string
}

func (r DefaultBinaryResolver) ResolvePath(name string) (string, error) {
	path := filepath.Join(r.BaseDir, name, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config: binary %q not found at %s: %w", name, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config: %s is a directory, not an executable", path)
	}
	return path, nil
}

// DefaultConfigLister enumerates *.conf files directly under Dir.
type DefaultConfigLister struct {
	Dir string
}

// Resolve reports whether name (already normalized to carry a .conf
// suffix) names a regular file under Dir.
func (l DefaultConfigLister) Resolve(name string) (string, bool) {
	path := filepath.Join(l.Dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

// List returns every *.conf file name under Dir, sorted ascending.
func (l DefaultConfigLister) List() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("config: list %s: %w", l.Dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".conf") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// NormalizeConfigName appends the .conf suffix if absent, so that a name
// with or without it resolves to the same file.
func NormalizeConfigName(name string) string {
	if strings.HasSuffix(name, ".conf") {
		return name
	}
	return name + ".conf"
}
