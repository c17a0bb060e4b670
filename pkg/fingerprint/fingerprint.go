// Package fingerprint computes a Package's source fingerprint: the
// deterministic combined hash the Scheduler uses to key build records and
// artifacts. It sits between pkg/hasher (pure content hashing) and
// pkg/state (the mtime+size keyed cache), re-hashing a file only when its
// cache entry is stale or absent.
package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildnet/buildnet/pkg/hasher"
	"github.com/buildnet/buildnet/pkg/state"
)

// Cache is the subset of the State Store's file-hash cache this package
// depends on, kept narrow so fingerprint is testable without a real store.
type Cache interface {
	GetFileHash(path string) (hash string, size int64, modTime int64, ok bool, err error)
	SetFileHashes(entries []state.FileHashEntry) error
}

// Compute walks the glob set rooted at root, consulting cache for each file
// and only re-hashing files whose (size, mtime) changed, then combines the
// resulting per-file hashes into one fingerprint. Fresh hashes are written
// back to the cache as one batch at the end of the walk.
func Compute(h hasher.Hasher, cache Cache, root string, globs []string) (string, error) {
	files, err := expand(root, globs)
	if err != nil {
		return "", err
	}

	perFile := make(map[string]string, len(files))
	var fresh []state.FileHashEntry
	for _, rel := range files {
		abs := filepath.Join(root, rel)
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("fingerprint: stat %s: %w", abs, err)
		}
		size := info.Size()
		modTime := info.ModTime().UnixNano()

		if cache != nil {
			if cachedHash, cachedSize, cachedMod, ok, err := cache.GetFileHash(rel); err == nil && ok {
				if cachedSize == size && cachedMod == modTime {
					perFile[rel] = cachedHash
					continue
				}
			}
		}

		digest, err := h.HashFile(abs)
		if err != nil {
			return "", err
		}
		perFile[rel] = digest
		fresh = append(fresh, state.FileHashEntry{Path: rel, Hash: digest, Size: size, ModTime: modTime})
	}

	if cache != nil && len(fresh) > 0 {
		if err := cache.SetFileHashes(fresh); err != nil {
			return "", fmt.Errorf("fingerprint: cache write: %w", err)
		}
	}

	return h.CombineHashes(perFile), nil
}

func expand(root string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(root, g))
		if err != nil {
			return nil, fmt.Errorf("fingerprint: bad glob %q: %w", g, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(root, m)
			if err != nil {
				rel = m
			}
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}
	return out, nil
}
