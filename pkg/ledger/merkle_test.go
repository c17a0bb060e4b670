package ledger

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashesOf(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		h := sha256.Sum256([]byte(v))
		out[i] = h[:]
	}
	return out
}

func TestTree_ProofVerifies_EvenLeafCount(t *testing.T) {
	leaves := hashesOf("a", "b", "c", "d")
	tree := NewTree(leaves)
	root := tree.Root()

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, VerifyProof(leaf, proof, root), "leaf %d should verify", i)
	}
}

func TestTree_ProofVerifies_OddLeafCount(t *testing.T) {
	leaves := hashesOf("a", "b", "c")
	tree := NewTree(leaves)
	root := tree.Root()

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, VerifyProof(leaf, proof, root), "leaf %d should verify", i)
	}
}

func TestTree_ProofFailsForWrongLeaf(t *testing.T) {
	leaves := hashesOf("a", "b", "c", "d")
	tree := NewTree(leaves)
	root := tree.Root()

	proof, err := tree.Proof(0)
	require.NoError(t, err)

	wrong := hashesOf("tampered")[0]
	assert.False(t, VerifyProof(wrong, proof, root))
}

func TestTree_ProofOutOfRange(t *testing.T) {
	tree := NewTree(hashesOf("a", "b"))
	_, err := tree.Proof(5)
	assert.Error(t, err)
}

func TestTree_RootStableForSameInput(t *testing.T) {
	leaves := hashesOf("a", "b", "c")
	assert.Equal(t, NewTree(leaves).Root(), NewTree(leaves).Root())
}

func TestTree_EmptyTreeHasRoot(t *testing.T) {
	tree := NewTree(nil)
	assert.NotNil(t, tree.Root())
}
