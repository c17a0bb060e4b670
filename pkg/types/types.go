// Package types holds the data model shared across BuildNet's components:
// packages, build records, locks, artifacts, ledger entries and the
// cluster's view of its own nodes and connections.
package types

import "time"

// BuildStatus is the lifecycle state of a BuildRecord.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"

	// BuildStatusCached marks a build satisfied from the cache — the
	// output was already on disk or restored from the artifact store, and
	// the executor never ran.
	BuildStatusCached BuildStatus = "cached"
	// BuildStatusSkipped marks a package that was never attempted because
	// an earlier dependency level failed.
	BuildStatusSkipped BuildStatus = "skipped"
)

// ArtifactTier is the storage tier an artifact currently occupies.
type ArtifactTier string

const (
	ArtifactTierHot  ArtifactTier = "hot"
	ArtifactTierWarm ArtifactTier = "warm"
	ArtifactTierCold ArtifactTier = "cold"
)

// EntryType enumerates the kinds of events the Ledger records.
type EntryType string

const (
	EntryTypeBuildStarted   EntryType = "build.started"
	EntryTypeBuildSucceeded EntryType = "build.succeeded"
	EntryTypeBuildFailed    EntryType = "build.failed"
	EntryTypeArtifactStored EntryType = "artifact.stored"
	EntryTypeNodeJoined     EntryType = "node.joined"
	EntryTypeNodeLeft       EntryType = "node.left"
	EntryTypeLeaderElected  EntryType = "leader.elected"
)

// TransportState is the lifecycle state of a peer connection.
type TransportState string

const (
	TransportStateConnecting   TransportState = "connecting"
	TransportStateConnected    TransportState = "connected"
	TransportStateReconnecting TransportState = "reconnecting"
	TransportStateDisconnected TransportState = "disconnected"
)

// NodeRole describes what role a node currently plays in the cluster.
type NodeRole string

const (
	NodeRoleFollower    NodeRole = "follower"
	NodeRoleCoordinator NodeRole = "coordinator"
)

// NodeStatus describes a node's liveness as observed by the local node's
// registry.
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusUnreachable NodeStatus = "unreachable"
	NodeStatusLeaving     NodeStatus = "leaving"
)

// Package describes one buildable unit of the dependency graph.
type Package struct {
	Name         string            `json:"name" yaml:"name"`
	Dir          string            `json:"dir" yaml:"dir"`
	SourceGlobs  []string          `json:"source_globs" yaml:"source_globs"`
	DependsOn    []string          `json:"depends_on" yaml:"depends_on"`
	BuildCommand []string          `json:"build_command" yaml:"build_command"`
	OutputDir    string            `json:"output_dir" yaml:"output_dir"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// BuildRecord is the durable outcome of one attempt to build a package at a
// given source fingerprint.
type BuildRecord struct {
	ID             string      `json:"id"`
	PackageName    string      `json:"package_name"`
	SourceHash     string      `json:"source_hash"`
	Status         BuildStatus `json:"status"`
	ArtifactHash   string      `json:"artifact_hash,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at,omitempty"`
	Error          string      `json:"error,omitempty"`
	HolderNodeID   string      `json:"holder_node_id"`
	DurationMillis int64       `json:"duration_millis,omitempty"`
}

// Lock represents exclusive ownership of a package's build slot. Locks are
// not deleted eagerly on expiry; the reconciler reclaims them.
type Lock struct {
	PackageName string    `json:"package_name"`
	SourceHash  string    `json:"source_hash"`
	HolderID    string    `json:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Artifact is the metadata record for one stored build output.
type Artifact struct {
	Hash       string       `json:"hash"`
	Tier       ArtifactTier `json:"tier"`
	SizeBytes  int64        `json:"size_bytes"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt time.Time    `json:"last_used_at"`
	UseCount   int64        `json:"use_count"`
}

// Entry is one append-only, signed Ledger record.
type Entry struct {
	ID         string    `json:"id"`
	Sequence   uint64    `json:"sequence"`
	OriginNode string    `json:"origin_node"`
	Type       EntryType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    []byte    `json:"payload,omitempty"`
	PrevHash   []byte    `json:"prev_hash"`
	Hash       []byte    `json:"hash"`
	Signature  []byte    `json:"signature"`
}

// NodeInfo is what the cluster knows about one node: its advertised
// identity, address, capabilities, and signing key, plus the local node's
// own liveness/role view of it.
type NodeInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Address      string     `json:"address"`
	Port         int        `json:"port"`
	Version      string     `json:"version"`
	Capabilities []string   `json:"capabilities,omitempty"`
	PublicKey    []byte     `json:"public_key"`
	Role         NodeRole   `json:"role"`
	Status       NodeStatus `json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	JoinedAt     time.Time  `json:"joined_at"`
}

// Connection describes one outbound/inbound peer link. It is never
// persisted; pkg/network's transport tracks its live links in its own
// types and reports them as network.ConnectionSnapshot, not as this type.
type Connection struct {
	PeerID    string
	State     TransportState
	Since     time.Time
	LastError string
}
