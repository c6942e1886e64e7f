// Package toolchain discovers compiler, runner and checker executables on
// disk and exposes them as codename-to-path registries.
package toolchain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Registry maps a toolchain codename (the file name without its extension)
// to the absolute path of the executable.
//
// A registry is built once per config load and is read-only afterwards; the
// worker never rescans between attempts.
type Registry map[string]string

// Scan builds a registry from the regular files in dir that have any
// execute bit set.
//
// Subdirectories are not descended into. Two files that share a stem (say
// gcc.sh and gcc.py) are ambiguous and make the scan fail, as does a
// directory with no executables at all.
func Scan(dir string) (Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan toolchain directory: %w", err)
	}

	registry := make(Registry)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %q: %w", entry.Name(), err)
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		stem := stemOf(entry.Name())
		if previous, ok := registry[stem]; ok {
			return nil, fmt.Errorf("cannot have both %q and %q in %q",
				filepath.Base(previous), entry.Name(), dir)
		}
		abs, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %q: %w", entry.Name(), err)
		}
		registry[stem] = abs
	}

	if len(registry) == 0 {
		return nil, fmt.Errorf("no executables found in %q", dir)
	}
	return registry, nil
}

// Codenames returns the registered codenames in sorted order.
func (r Registry) Codenames() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stemOf strips the final extension from a file name: "gcc-12.sh" becomes
// "gcc-12", "python3" stays "python3".
func stemOf(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext)
}
