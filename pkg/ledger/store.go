package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketHeads   = []byte("heads")
)

type head struct {
	Sequence uint64 `json:"sequence"`
	Hash     []byte `json:"hash"`
}

// Store is the BoltDB-backed append-only entry log, following the same
// bucket-per-entity pattern as pkg/state.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger database under dataDir, creating
// the directory if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir %s: %w", dataDir, err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "ledger.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketHeads} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(originNode string, sequence uint64) []byte {
	key := make([]byte, len(originNode)+1+8)
	copy(key, originNode)
	key[len(originNode)] = 0
	binary.BigEndian.PutUint64(key[len(originNode)+1:], sequence)
	return key
}

// Head returns the last sequence/hash this store has recorded for
// originNode, or (0, nil, false) if the chain is empty locally.
func (s *Store) Head(originNode string) (uint64, []byte, bool, error) {
	var h head
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeads).Get([]byte(originNode))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return 0, nil, false, err
	}
	return h.Sequence, h.Hash, found, nil
}

// Append validates entry's signature and chain continuity against the
// local head for its origin node, then stores it and advances the head.
// It is safe to call for a node's own freshly-signed entries as well as
// entries received from a peer during Sync.
func (s *Store) Append(entry *types.Entry, originPublicKey ed25519.PublicKey) error {
	if err := Verify(entry, originPublicKey); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		hb := tx.Bucket(bucketHeads)
		var h head
		if data := hb.Get([]byte(entry.OriginNode)); data != nil {
			if err := json.Unmarshal(data, &h); err != nil {
				return err
			}
			if entry.Sequence != h.Sequence+1 {
				return fmt.Errorf("ledger: out-of-order entry for %s: expected seq %d, got %d: %w", entry.OriginNode, h.Sequence+1, entry.Sequence, buildnetErrors.ErrInternal)
			}
			if !bytes.Equal(entry.PrevHash, h.Hash) {
				return fmt.Errorf("ledger: chain fork detected for %s at seq %d: %w", entry.OriginNode, entry.Sequence, buildnetErrors.ErrInternal)
			}
		} else if entry.Sequence != 0 {
			return fmt.Errorf("ledger: first known entry for %s has non-zero sequence %d: %w", entry.OriginNode, entry.Sequence, buildnetErrors.ErrInternal)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Put(entryKey(entry.OriginNode, entry.Sequence), data); err != nil {
			return err
		}

		newHead, err := json.Marshal(head{Sequence: entry.Sequence, Hash: entry.Hash})
		if err != nil {
			return err
		}
		return hb.Put([]byte(entry.OriginNode), newHead)
	})
}

// ListFrom returns every entry for originNode with sequence >= fromSeq,
// in ascending order. ListFrom(origin, 0) is the origin's whole chain.
func (s *Store) ListFrom(originNode string, fromSeq uint64) ([]*types.Entry, error) {
	var entries []*types.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		prefix := append([]byte(originNode), 0)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e types.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Sequence >= fromSeq {
				entries = append(entries, &e)
			}
		}
		return nil
	})
	return entries, err
}

// ListSince returns every entry for originNode with sequence > afterSeq, in
// ascending order — the shape the sync responder uses to answer a peer that
// already holds the chain up to afterSeq.
func (s *Store) ListSince(originNode string, afterSeq uint64) ([]*types.Entry, error) {
	return s.ListFrom(originNode, afterSeq+1)
}

// All returns every entry in the store, across all origin chains, in no
// particular cross-chain order — used to build a Merkle tree over the
// ledger's full current contents.
func (s *Store) All() ([]*types.Entry, error) {
	var entries []*types.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e types.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

// KnownOrigins returns the set of origin node IDs this store has any
// entries for.
func (s *Store) KnownOrigins() ([]string, error) {
	var origins []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeads).ForEach(func(k, v []byte) error {
			origins = append(origins, string(k))
			return nil
		})
	})
	return origins, err
}

// MerkleRoot builds a Merkle tree over every entry hash currently in the
// store, in the store's key order (origin, then sequence), and returns
// its root. Two stores holding the same entries produce the same root,
// which is how the sync protocol decides a peer pair is converged.
func (s *Store) MerkleRoot() ([]byte, error) {
	entries, err := s.All()
	if err != nil {
		return nil, err
	}
	hashes := make([][]byte, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	return NewTree(hashes).Root(), nil
}

// Prune zeroes the Payload of every entry older than before, keeping the
// hash chain and signatures intact so Merkle proofs continue to verify.
func (s *Store) Prune(before func(entry *types.Entry) bool) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if len(e.Payload) == 0 || !before(&e) {
				continue
			}
			e.Payload = nil
			data, err := json.Marshal(&e)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}
