// Package artifact implements content-addressed storage of build outputs
// across hot/warm/cold tiers, with age-based promotion/demotion and
// idempotent startup rebuild. The BoltDB metadata layer follows the same
// pattern as pkg/state; blob bodies live on disk, packed by the injected
// Archiver.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/buildnet/buildnet/pkg/archiver"
	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketArtifacts = []byte("artifacts")

// TieringPolicy controls how RunTiering ages artifacts between tiers.
// An artifact is demoted hot->warm after HotThreshold of disuse,
// warm->cold after WarmThreshold, and deleted from cold storage once it
// has gone unused for 2*WarmThreshold with fewer than MinAccessToKeep
// accesses recorded.
type TieringPolicy struct {
	HotThreshold     time.Duration
	WarmThreshold    time.Duration
	MinAccessToKeep  int64
	HotCapacityBytes int64
}

// DefaultPolicy demotes hot->warm after a day idle, warm->cold after a
// week idle, and deletes cold entries past two weeks idle unless they
// were accessed 3+ times.
func DefaultPolicy() TieringPolicy {
	return TieringPolicy{
		HotThreshold:     24 * time.Hour,
		WarmThreshold:    7 * 24 * time.Hour,
		MinAccessToKeep:  3,
		HotCapacityBytes: 10 << 30, // 10 GiB
	}
}

// TieringStats reports what one RunTiering sweep did. Promotions happen
// eagerly on Restore rather than during a sweep, so Promoted is always 0
// here; it is kept on the struct so callers and logs have a stable shape
// to report against.
type TieringStats struct {
	Promoted   int
	Demoted    int
	Deleted    int
	BytesFreed int64
}

// Store is the Artifact Store.
type Store struct {
	db       *bolt.DB
	dataDir  string
	archiver archiver.Archiver
	policy   TieringPolicy
}

// Open opens (or creates) the artifact metadata database and tier
// directories under dataDir, then performs the startup rebuild: any blob
// present on disk but missing from the metadata bucket is re-registered
// from its file stat info, so a crashed node's artifact store is
// self-healing on restart.
func Open(dataDir string, a archiver.Archiver, policy TieringPolicy) (*Store, error) {
	for _, tier := range []types.ArtifactTier{types.ArtifactTierHot, types.ArtifactTierWarm, types.ArtifactTierCold} {
		if err := os.MkdirAll(filepath.Join(dataDir, string(tier)), 0o755); err != nil {
			return nil, fmt.Errorf("artifact: mkdir %s: %w", tier, err)
		}
	}

	db, err := bolt.Open(filepath.Join(dataDir, "artifacts.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact: open database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, dataDir: dataDir, archiver: a, policy: policy}
	if err := s.rebuild(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) tierPath(tier types.ArtifactTier, hash string) string {
	return filepath.Join(s.dataDir, string(tier), hash)
}

// rebuild reconciles the metadata bucket against what is actually on disk.
func (s *Store) rebuild() error {
	known, err := s.knownHashes()
	if err != nil {
		return err
	}

	for _, tier := range []types.ArtifactTier{types.ArtifactTierHot, types.ArtifactTierWarm, types.ArtifactTierCold} {
		dir := filepath.Join(s.dataDir, string(tier))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("artifact: read tier dir %s: %w", tier, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if isTempName(name) {
				// Orphaned by a crash mid-Store; best-effort cleanup.
				os.Remove(filepath.Join(dir, name))
				continue
			}
			if entry.IsDir() || known[name] {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			rec := &types.Artifact{
				Hash:       name,
				Tier:       tier,
				SizeBytes:  info.Size(),
				CreatedAt:  info.ModTime(),
				LastUsedAt: info.ModTime(),
			}
			if err := s.put(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) knownHashes() (map[string]bool, error) {
	known := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			known[string(k)] = true
			return nil
		})
	})
	return known, err
}

func (s *Store) put(rec *types.Artifact) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put([]byte(rec.Hash), data)
	})
}

// Get returns the metadata for hash, or buildnetErrors.ErrNotFound if
// hash is unknown.
func (s *Store) Get(hash string) (*types.Artifact, error) {
	var rec types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArtifacts).Get([]byte(hash))
		if data == nil {
			return fmt.Errorf("artifact %s: %w", hash, buildnetErrors.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Exists reports whether hash is a known artifact.
func (s *Store) Exists(hash string) bool {
	_, err := s.Get(hash)
	return err == nil
}

// Delete removes an artifact's metadata and backing file. Idempotent:
// deleting an unknown hash is not an error.
func (s *Store) Delete(hash string) error {
	rec, err := s.Get(hash)
	if err != nil {
		if errors.Is(err, buildnetErrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(s.tierPath(rec.Tier, hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact: delete %s: %w", hash, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(hash))
	})
}

// List returns every known artifact's metadata.
func (s *Store) List() ([]*types.Artifact, error) {
	var out []*types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var rec types.Artifact
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) hotBytes() (int64, error) {
	all, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, rec := range all {
		if rec.Tier == types.ArtifactTierHot {
			total += rec.SizeBytes
		}
	}
	return total, nil
}

// Store packs srcDir's contents and registers the resulting blob under
// its own content hash, computed from the packed archive bytes so that
// two directories with identical packed contents always resolve to the
// same hash regardless of when or which node built them. Storing a hash
// that already exists is a cheap no-op that only bumps usage counters.
func (s *Store) Store(packageName, srcDir string) (*types.Artifact, error) {
	tmp := s.tierPath(types.ArtifactTierHot, tempName())
	if err := s.archiver.Pack(srcDir, tmp); err != nil {
		return nil, fmt.Errorf("artifact: pack %s: %w", packageName, err)
	}

	hash, size, err := hashFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("artifact: hash %s: %w", packageName, err)
	}

	if existing, err := s.Get(hash); err == nil {
		os.Remove(tmp)
		existing.LastUsedAt = time.Now()
		existing.UseCount++
		if err := s.put(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	tier := types.ArtifactTierHot
	if cap := s.policy.HotCapacityBytes; cap > 0 {
		if used, err := s.hotBytes(); err == nil && used+size > cap {
			tier = types.ArtifactTierWarm
		}
	}

	dest := s.tierPath(tier, hash)
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("artifact: place %s: %w", hash, err)
	}

	rec := &types.Artifact{
		Hash:       hash,
		Tier:       tier,
		SizeBytes:  size,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
		UseCount:   1,
	}
	if err := s.put(rec); err != nil {
		os.Remove(dest)
		return nil, err
	}
	return rec, nil
}

// Restore unpacks the artifact identified by hash into destDir and marks
// it as recently used, promoting it back to the hot tier if it had aged
// out.
func (s *Store) Restore(hash, destDir string) error {
	rec, err := s.Get(hash)
	if err != nil {
		return err
	}

	if err := s.archiver.Unpack(s.tierPath(rec.Tier, hash), destDir); err != nil {
		return fmt.Errorf("artifact: unpack %s: %w", hash, err)
	}

	rec.LastUsedAt = time.Now()
	rec.UseCount++
	if rec.Tier != types.ArtifactTierHot {
		if err := s.moveTier(rec, types.ArtifactTierHot); err != nil {
			return err
		}
		return nil
	}
	return s.put(rec)
}

// RunTiering performs one sweep: artifacts unused longer than the
// policy's thresholds are demoted hot->warm->cold, or deleted from cold
// once past 2*WarmThreshold with fewer than MinAccessToKeep accesses.
// Tiering errors are returned to the caller, who logs and continues
// scheduling rather than treating them as fatal.
func (s *Store) RunTiering() (TieringStats, error) {
	var stats TieringStats

	all, err := s.List()
	if err != nil {
		return stats, err
	}

	now := time.Now()
	deleteAfter := 2 * s.policy.WarmThreshold

	for _, rec := range all {
		idle := now.Sub(rec.LastUsedAt)

		// Resolve the tier this artifact's idle time puts it in, possibly
		// skipping straight from hot to cold in one sweep if it was not
		// touched for several sweep intervals.
		target := rec.Tier
		if s.policy.WarmThreshold > 0 && idle >= s.policy.WarmThreshold {
			target = types.ArtifactTierCold
		} else if s.policy.HotThreshold > 0 && idle >= s.policy.HotThreshold && rec.Tier == types.ArtifactTierHot {
			target = types.ArtifactTierWarm
		}
		if target != rec.Tier {
			if err := s.moveTier(rec, target); err != nil {
				return stats, err
			}
			stats.Demoted++
		}

		if rec.Tier == types.ArtifactTierCold && deleteAfter > 0 && idle >= deleteAfter && rec.UseCount < s.policy.MinAccessToKeep {
			if err := os.Remove(s.tierPath(rec.Tier, rec.Hash)); err != nil && !os.IsNotExist(err) {
				return stats, fmt.Errorf("artifact: delete %s: %w", rec.Hash, err)
			}
			if err := s.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(bucketArtifacts).Delete([]byte(rec.Hash))
			}); err != nil {
				return stats, err
			}
			stats.Deleted++
			stats.BytesFreed += rec.SizeBytes
		}
	}
	return stats, nil
}

func (s *Store) moveTier(rec *types.Artifact, to types.ArtifactTier) error {
	from := rec.Tier
	if from == to {
		return nil
	}
	if err := os.Rename(s.tierPath(from, rec.Hash), s.tierPath(to, rec.Hash)); err != nil {
		return fmt.Errorf("artifact: move %s %s->%s: %w", rec.Hash, from, to, err)
	}
	rec.Tier = to
	return s.put(rec)
}

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func tempName() string {
	return ".tmp-" + uuid.New().String()
}

func isTempName(name string) bool {
	return len(name) >= 5 && name[:5] == ".tmp-"
}
