// Package hasher provides the default content-hashing collaborator used
// by pkg/fingerprint and pkg/artifact. The Scheduler is generic over any
// Hasher implementation; this one simply makes the module runnable
// standalone.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Hasher computes content hashes of files and combines them into one
// deterministic digest.
type Hasher interface {
	HashFile(path string) (string, error)
	HashGlob(root string, globs []string) (map[string]string, error)
	CombineHashes(ordered map[string]string) string
}

// SHA256Hasher is the default Hasher, using stdlib crypto/sha256.
type SHA256Hasher struct{}

// New returns the default SHA256Hasher.
func New() *SHA256Hasher {
	return &SHA256Hasher{}
}

// HashFile returns the lowercase hex SHA-256 digest of one file's contents.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hasher: open %s: %w", path, err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("hasher: read %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashGlob expands each glob pattern relative to root and hashes every
// matched file, returning a map keyed by path relative to root. Matches are
// deduplicated; patterns are evaluated with filepath.Glob.
func (h *SHA256Hasher) HashGlob(root string, globs []string) (map[string]string, error) {
	seen := make(map[string]bool)
	out := make(map[string]string)

	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(root, g))
		if err != nil {
			return nil, fmt.Errorf("hasher: bad glob %q: %w", g, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(root, m)
			if err != nil {
				rel = m
			}
			if seen[rel] {
				continue
			}
			seen[rel] = true

			digest, err := h.HashFile(m)
			if err != nil {
				return nil, err
			}
			out[rel] = digest
		}
	}
	return out, nil
}

// CombineHashes produces one deterministic digest over a set of per-file
// hashes, independent of map iteration order: keys are sorted first.
func (h *SHA256Hasher) CombineHashes(ordered map[string]string) string {
	keys := make([]string, 0, len(ordered))
	for k := range ordered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sum := sha256.New()
	for _, k := range keys {
		io.WriteString(sum, k)
		sum.Write([]byte{0})
		io.WriteString(sum, ordered[k])
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}
