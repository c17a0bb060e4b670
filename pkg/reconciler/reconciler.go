// Package reconciler is a ticking loop that repairs stuck cluster state:
// each cycle reclaims BuildRecords left "running" by a crashed lock
// holder, prunes peers the peer network has not seen recently, runs the
// artifact store's tiering sweep, and drops ledger payloads past the
// retention window.
package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/artifact"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/state"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/rs/zerolog"
)

// PeerPruner is the subset of pkg/network.Registry the reconciler needs,
// kept narrow so this package stays testable without a real Network.
type PeerPruner interface {
	RemoveStale(timeout time.Duration) []string
}

// Tierer is the subset of pkg/artifact.Store the reconciler needs to run
// the periodic hot/warm/cold sweep.
type Tierer interface {
	RunTiering() (artifact.TieringStats, error)
}

// LedgerPruner is the subset of pkg/ledger.Store the reconciler needs to
// enforce the ledger retention window. Pruning drops only entry payloads;
// hashes, signatures, and the chain itself survive.
type LedgerPruner interface {
	Prune(before func(entry *types.Entry) bool) (int, error)
}

// Config controls reconciliation timing. A zero LedgerRetention disables
// ledger pruning entirely.
type Config struct {
	Interval        time.Duration
	PeerTimeout     time.Duration
	LedgerRetention time.Duration
}

// DefaultConfig runs a cycle every 10 seconds and keeps ledger payloads
// for 30 days.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		PeerTimeout:     45 * time.Second,
		LedgerRetention: 30 * 24 * time.Hour,
	}
}

// Reconciler ensures actual state matches desired state: expired locks
// get reclaimed, and stale peers get pruned. It is stateless between
// cycles, reading the State Store fresh each time.
type Reconciler struct {
	store     state.Store
	peers     PeerPruner
	artifacts Tierer
	ledger    LedgerPruner
	cfg       Config
	logger    zerolog.Logger
	mu        sync.RWMutex
	stopCh    chan struct{}
}

// New constructs a Reconciler. peers may be nil to disable peer pruning
// (e.g. in a single-node deployment with no Peer Network running);
// artifacts may be nil to disable the tiering sweep and ldg nil to
// disable ledger pruning (e.g. in tests that only exercise lock
// reclamation).
func New(store state.Store, peers PeerPruner, artifacts Tierer, ldg LedgerPruner, cfg Config) *Reconciler {
	return &Reconciler{
		store:     store,
		peers:     peers,
		artifacts: artifacts,
		ledger:    ldg,
		cfg:       cfg,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler: started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler: stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reclaimExpiredLocks(); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: reclaim expired locks failed")
	}
	r.prunePeers()
	r.runTiering()
	r.pruneLedger()
}

// pruneLedger drops the payloads of ledger entries older than the
// retention window. Entry hashes and signatures stay, so chains and
// Merkle proofs keep verifying after a prune.
func (r *Reconciler) pruneLedger() {
	if r.ledger == nil || r.cfg.LedgerRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.LedgerRetention)
	pruned, err := r.ledger.Prune(func(e *types.Entry) bool {
		return e.Timestamp.Before(cutoff)
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("reconciler: ledger prune failed")
		return
	}
	if pruned > 0 {
		r.logger.Info().Int("pruned", pruned).Msg("reconciler: ledger payloads pruned")
	}
}

// runTiering sweeps the Artifact Store for hot/warm/cold demotion and
// stale-cold deletion. Tiering errors are logged and do not interrupt
// the rest of the reconciliation cycle.
func (r *Reconciler) runTiering() {
	if r.artifacts == nil {
		return
	}
	timer := metrics.NewTimer()
	stats, err := r.artifacts.RunTiering()
	timer.ObserveDuration(metrics.TieringDuration)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconciler: artifact tiering sweep failed")
		return
	}
	if stats.Demoted > 0 || stats.Deleted > 0 {
		r.logger.Info().
			Int("demoted", stats.Demoted).
			Int("deleted", stats.Deleted).
			Int64("bytes_freed", stats.BytesFreed).
			Msg("reconciler: artifact tiering sweep complete")
	}
}

// reclaimExpiredLocks finds locks whose ExpiresAt has passed — a holder
// that crashed mid-build without releasing — and marks the matching
// "running" BuildRecord as failed so it stops blocking later builds of
// the same package.
func (r *Reconciler) reclaimExpiredLocks() error {
	locks, err := r.store.ListLocks()
	if err != nil {
		return fmt.Errorf("reconciler: list locks: %w", err)
	}

	now := time.Now()
	for _, lock := range locks {
		if now.Before(lock.ExpiresAt) {
			continue
		}

		r.logger.Warn().
			Str("package_name", lock.PackageName).
			Str("source_hash", lock.SourceHash).
			Str("holder_id", lock.HolderID).
			Msg("reconciler: lock expired, reclaiming")

		if err := r.failRunningRecord(lock.PackageName, lock.SourceHash); err != nil {
			r.logger.Error().Err(err).
				Str("package_name", lock.PackageName).
				Msg("reconciler: failed to mark expired build as failed")
		} else {
			metrics.ReclaimedLocksTotal.Inc()
		}

		if err := r.store.ReleaseLock(lock.PackageName); err != nil {
			r.logger.Error().Err(err).
				Str("package_name", lock.PackageName).
				Msg("reconciler: failed to release expired lock")
		}
	}
	return nil
}

func (r *Reconciler) failRunningRecord(packageName, sourceHash string) error {
	record, err := r.store.GetLatestBuildRecord(packageName, sourceHash)
	if err != nil {
		return nil // no record to reconcile yet, nothing to do
	}
	if record.Status != types.BuildStatusRunning {
		return nil
	}
	record.Status = types.BuildStatusFailed
	record.Error = "lock expired: holder did not release within TTL"
	record.FinishedAt = time.Now()
	return r.store.UpdateBuildRecord(record)
}

// prunePeers removes peers the Peer Network hasn't heard from in
// PeerTimeout. This runs as a belt-and-suspenders layer
// alongside Network's own internal reaper goroutine; RemoveStale is
// idempotent, so running both is harmless.
func (r *Reconciler) prunePeers() {
	if r.peers == nil {
		return
	}
	timeout := r.cfg.PeerTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	for _, id := range r.peers.RemoveStale(timeout) {
		r.logger.Info().Str("peer_id", id).Msg("reconciler: pruned stale peer")
	}
}
