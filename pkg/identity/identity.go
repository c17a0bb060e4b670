// Package identity manages a node's Ed25519 keypair: generation,
// persistence, and the signing/verification helpers pkg/ledger and
// pkg/network use to authenticate entries and envelopes. A node has
// exactly one keypair; its public half travels in NodeInfo.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity holds one node's signing keypair.
type Identity struct {
	NodeID     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

type persisted struct {
	NodeID     string `json:"node_id"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// Generate creates a fresh Ed25519 keypair for nodeID.
func Generate(nodeID string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{NodeID: nodeID, PublicKey: pub, PrivateKey: priv}, nil
}

// LoadOrGenerate loads a node's identity from keyPath, generating and
// persisting a new one if the file does not yet exist. This is the
// bootstrap path the daemon calls on startup.
func LoadOrGenerate(keyPath, nodeID string) (*Identity, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		var p persisted
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("identity: decode %s: %w", keyPath, err)
		}
		return &Identity{
			NodeID:     p.NodeID,
			PublicKey:  ed25519.PublicKey(p.PublicKey),
			PrivateKey: ed25519.PrivateKey(p.PrivateKey),
		}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", keyPath, err)
	}

	id, err := Generate(nodeID)
	if err != nil {
		return nil, err
	}
	if err := id.Save(keyPath); err != nil {
		return nil, err
	}
	return id, nil
}

// Save persists the identity to keyPath with owner-only permissions.
func (id *Identity) Save(keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	p := persisted{NodeID: id.NodeID, PublicKey: id.PublicKey, PrivateKey: id.PrivateKey}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(keyPath, data, 0o600)
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify checks sig against msg using pub, the advertised public key of the
// message's claimed origin node.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
