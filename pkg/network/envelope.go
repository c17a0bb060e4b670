package network

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind tags the payload carried by an Envelope. The discovery,
// election, ledger, and build groups are the ones this package and its
// collaborators exchange.
type MessageKind string

const (
	// Discovery group.
	MsgAnnounce MessageKind = "announce"
	MsgPing     MessageKind = "ping"
	MsgPong     MessageKind = "pong"
	MsgLeave    MessageKind = "leave"

	// Election group.
	MsgElection            MessageKind = "election"
	MsgVote                MessageKind = "vote"
	MsgCoordinatorAnnounce MessageKind = "coordinator_announce"

	// Ledger group.
	MsgLedgerSyncRequest  MessageKind = "ledger_sync_request"
	MsgLedgerSyncResponse MessageKind = "ledger_sync_response"

	// Build group (leader forwarding).
	MsgBuildRequest  MessageKind = "build_request"
	MsgBuildResponse MessageKind = "build_response"

	// Generic.
	MsgError MessageKind = "error"
)

// Envelope is the wire frame exchanged over the transport. Signature
// covers every other field's canonical msgpack encoding with Signature
// itself held empty.
type Envelope struct {
	ID            string      `msgpack:"id"`
	From          string      `msgpack:"from"`
	To            string      `msgpack:"to,omitempty"`
	Timestamp     time.Time   `msgpack:"timestamp"`
	Signature     []byte      `msgpack:"signature"`
	Kind          MessageKind `msgpack:"kind"`
	Body          []byte      `msgpack:"body"`
	TTL           uint8       `msgpack:"ttl"`
	CorrelationID string      `msgpack:"correlation_id,omitempty"`
}

// NewEnvelope builds an unsigned envelope carrying kind/body from "from" to
// "to" ("" means broadcast-ish / unaddressed, used for discovery).
func NewEnvelope(from, to string, kind MessageKind, body []byte, ttl uint8) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Kind:      kind,
		Body:      body,
		TTL:       ttl,
	}
}

// signingBytes returns the canonical encoding of e with Signature cleared,
// the domain that Sign/VerifyEnvelope operate over.
func signingBytes(e *Envelope) ([]byte, error) {
	cp := *e
	cp.Signature = nil
	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("network: encode envelope for signing: %w", err)
	}
	return data, nil
}

// Sign signs e in place with priv, setting e.Signature.
func Sign(e *Envelope, priv ed25519.PrivateKey) error {
	data, err := signingBytes(e)
	if err != nil {
		return err
	}
	e.Signature = ed25519.Sign(priv, data)
	return nil
}

// VerifyEnvelope checks e.Signature against pub, the claimed sender's
// advertised public key.
func VerifyEnvelope(e *Envelope, pub ed25519.PublicKey) error {
	data, err := signingBytes(e)
	if err != nil {
		return err
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, data, e.Signature) {
		return fmt.Errorf("network: envelope %s signature invalid: %w", e.ID, buildnetErrors.ErrSignature)
	}
	return nil
}

// encodeFrame frames an envelope for the wire: a 4-byte big-endian length
// prefix followed by its msgpack encoding, so TCP stream reads know where
// one frame ends and the next begins. decodeFrame takes only the msgpack
// body, with the length prefix already read off.
func encodeFrame(e *Envelope) ([]byte, error) {
	body, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("network: encode frame: %w", err)
	}
	var buf bytes.Buffer
	var lenPrefix [4]byte
	putUint32(lenPrefix[:], uint32(len(body)))
	buf.Write(lenPrefix[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("network: decode frame: %w", err)
	}
	return &e, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
