// Package ledger implements an append-only, signed, hash-chained history
// of cluster events, replicated between nodes by anti-entropy gossip
// rather than a consensus protocol. Each node owns one
// chain, identified by its NodeID; entries from other nodes are appended
// to their own chains as they arrive via Sync, so the ledger as a whole is
// a set of independent per-origin hash chains, not a single global log.
package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
)

// computeHash hashes the fields that make an entry tamper-evident: its
// chain position, declared content, and the hash of the entry before it.
func computeHash(prevHash []byte, originNode string, sequence uint64, entryType types.EntryType, timestamp time.Time, payload []byte) []byte {
	h := sha256.New()
	h.Write(prevHash)
	h.Write([]byte(originNode))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	h.Write(seqBuf[:])
	h.Write([]byte(entryType))
	tsBuf, _ := timestamp.UTC().MarshalBinary()
	h.Write(tsBuf)
	h.Write(payload)
	return h.Sum(nil)
}

// NewEntry builds and signs the next entry in this node's own chain.
// prevHash is the Hash of the previous entry this node appended, or nil for
// the chain's first entry.
func NewEntry(id *identity.Identity, sequence uint64, prevHash []byte, entryType types.EntryType, payload []byte) *types.Entry {
	now := time.Now()
	hash := computeHash(prevHash, id.NodeID, sequence, entryType, now, payload)

	return &types.Entry{
		ID:         uuid.New().String(),
		Sequence:   sequence,
		OriginNode: id.NodeID,
		Type:       entryType,
		Timestamp:  now,
		Payload:    payload,
		PrevHash:   prevHash,
		Hash:       hash,
		Signature:  id.Sign(hash),
	}
}

// Verify checks that entry's hash matches its declared fields and chain
// position, and that its signature verifies against originPublicKey. It
// does not check prevHash against any particular prior entry — callers
// that hold the chain verify continuity separately (see Store.Append).
func Verify(entry *types.Entry, originPublicKey ed25519.PublicKey) error {
	expectedHash := computeHash(entry.PrevHash, entry.OriginNode, entry.Sequence, entry.Type, entry.Timestamp, entry.Payload)
	if !equalBytes(expectedHash, entry.Hash) {
		return fmt.Errorf("ledger: entry %s hash mismatch: %w", entry.ID, buildnetErrors.ErrSignature)
	}
	if !identity.Verify(originPublicKey, entry.Hash, entry.Signature) {
		return fmt.Errorf("ledger: entry %s signature invalid: %w", entry.ID, buildnetErrors.ErrSignature)
	}
	return nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
