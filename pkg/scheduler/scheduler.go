// Package scheduler turns a build request into executor invocations:
// tier selection against the build cache, a lock-then-execute build path,
// dependency-ordered parallel scheduling, and forwarding to the
// Bully-elected leader when configured.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/artifact"
	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/executor"
	"github.com/buildnet/buildnet/pkg/fingerprint"
	"github.com/buildnet/buildnet/pkg/hasher"
	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/network"
	"github.com/buildnet/buildnet/pkg/state"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Tier is the cache tier a package's build resolves to.
type Tier string

const (
	TierInstantSkip      Tier = "instant_skip"
	TierCacheRestore     Tier = "cache_restore"
	TierSmartIncremental Tier = "smart_incremental"
)

// PackageResult is one package's outcome within a Build call.
type PackageResult struct {
	PackageName    string            `json:"package_name" msgpack:"package_name"`
	Status         types.BuildStatus `json:"status" msgpack:"status"`
	ArtifactHash   string            `json:"artifact_hash,omitempty" msgpack:"artifact_hash,omitempty"`
	Error          string            `json:"error,omitempty" msgpack:"error,omitempty"`
	DurationMillis int64             `json:"duration_millis,omitempty" msgpack:"duration_millis,omitempty"`
	Tier           string            `json:"tier,omitempty" msgpack:"tier,omitempty"`
}

// BuildResult is the outcome of one Build call, one PackageResult per
// requested package; packages in levels after the first failure are never
// attempted and are reported with status skipped.
type BuildResult struct {
	Results []PackageResult `json:"results" msgpack:"results"`
}

// Config controls the Scheduler's concurrency bound, lock TTL, executor
// timeout, and whether it forwards to the Peer Network's reported leader.
type Config struct {
	ProjectRoot         string
	MaxConcurrentBuilds int64
	LockTTL             time.Duration
	BuildTimeout        time.Duration
	ForwardToLeader     bool
}

// DefaultConfig sizes the concurrency permit to the host's logical core
// count.
func DefaultConfig(projectRoot string) Config {
	return Config{
		ProjectRoot:         projectRoot,
		MaxConcurrentBuilds: int64(runtime.NumCPU()),
		LockTTL:             10 * time.Minute,
		BuildTimeout:        0,
		ForwardToLeader:     false,
	}
}

// Scheduler coordinates builds. It is generic over its collaborators'
// interfaces (Hasher, State Store, Executor), so it stays testable
// without real BoltDB/subprocess backends.
type Scheduler struct {
	nodeID string
	cfg    Config

	hasher    hasher.Hasher
	state     state.Store
	artifacts *artifact.Store
	executor  executor.Executor
	ledger    *ledger.Store
	identity  *identity.Identity
	broker    *events.Broker
	net       *network.Network

	logger zerolog.Logger
	sem    *semaphore.Weighted

	ledgerMu sync.Mutex
}

// New constructs a Scheduler. broker and net may be nil: without a
// broker, build events are not republished locally; without net,
// leader-forwarding is disabled regardless of cfg.ForwardToLeader.
func New(id *identity.Identity, h hasher.Hasher, st state.Store, art *artifact.Store, exec executor.Executor, ldg *ledger.Store, broker *events.Broker, net *network.Network, cfg Config) *Scheduler {
	permits := cfg.MaxConcurrentBuilds
	if permits <= 0 {
		permits = int64(runtime.NumCPU())
	}
	return &Scheduler{
		nodeID:    id.NodeID,
		cfg:       cfg,
		hasher:    h,
		state:     st,
		artifacts: art,
		executor:  exec,
		ledger:    ldg,
		identity:  id,
		broker:    broker,
		net:       net,
		logger:    log.WithComponent("scheduler"),
		sem:       semaphore.NewWeighted(permits),
	}
}

// RegisterWithNetwork wires this Scheduler to answer forwarded build
// requests over the peer transport, the handler side of forward.
func (s *Scheduler) RegisterWithNetwork() {
	if s.net == nil {
		return
	}
	s.net.Transport.RegisterHandler(network.MsgBuildRequest, s.handleForwardedBuild)
}

type forwardRequest struct {
	Packages []types.Package `msgpack:"packages"`
}

type forwardResponse struct {
	Results []PackageResult `msgpack:"results"`
	Error   string          `msgpack:"error,omitempty"`
}

func (s *Scheduler) handleForwardedBuild(from string, body []byte) ([]byte, bool) {
	var req forwardRequest
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return nil, false
	}
	result, err := s.buildLocal(context.Background(), req.Packages)
	resp := forwardResponse{}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Results = result.Results
	}
	out, err := msgpack.Marshal(&resp)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Build is the Scheduler's entry point: it either forwards to the
// current leader or executes the build locally.
func (s *Scheduler) Build(ctx context.Context, pkgs []types.Package) (*BuildResult, error) {
	if s.cfg.ForwardToLeader && s.net != nil && !s.net.Registry.IsSelfLeader() {
		if leader, ok := s.net.Registry.Leader(); ok && leader != s.nodeID {
			return s.forward(ctx, leader, pkgs)
		}
	}
	return s.buildLocal(ctx, pkgs)
}

func (s *Scheduler) forward(ctx context.Context, leaderID string, pkgs []types.Package) (*BuildResult, error) {
	addr, ok := s.net.Transport.AddressOf(leaderID)
	if !ok {
		return nil, fmt.Errorf("scheduler: leader %s address unknown: %w", leaderID, buildnetErrors.ErrNetwork)
	}
	body, err := msgpack.Marshal(&forwardRequest{Packages: pkgs})
	if err != nil {
		return nil, err
	}
	env, err := s.net.Transport.Request(ctx, leaderID, addr, network.MsgBuildRequest, body)
	if err != nil {
		return nil, fmt.Errorf("scheduler: forward to leader %s: %w", leaderID, err)
	}
	var resp forwardResponse
	if err := msgpack.Unmarshal(env.Body, &resp); err != nil {
		return nil, fmt.Errorf("scheduler: decode leader response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("scheduler: leader %s: %s", leaderID, resp.Error)
	}
	return &BuildResult{Results: resp.Results}, nil
}

// buildLocal is the level-by-level execution loop: compute the DAG's
// levels, build each level's packages concurrently (bounded by the
// semaphore inside buildOne), and stop before the next level once any
// package in the current one has failed.
func (s *Scheduler) buildLocal(ctx context.Context, pkgs []types.Package) (*BuildResult, error) {
	levels, err := levelize(pkgs)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{}
	for li, level := range levels {
		levelResults := make([]PackageResult, len(level))

		if len(level) == 1 {
			levelResults[0] = s.buildOne(ctx, level[0])
		} else {
			g, gctx := errgroup.WithContext(ctx)
			for i, pkg := range level {
				i, pkg := i, pkg
				g.Go(func() error {
					levelResults[i] = s.buildOne(gctx, pkg)
					return nil
				})
			}
			_ = g.Wait()
		}

		result.Results = append(result.Results, levelResults...)

		failed := false
		for _, r := range levelResults {
			if r.Status == types.BuildStatusFailed {
				failed = true
			}
		}
		if failed {
			// Later levels are never started; their packages are reported
			// as skipped so the caller sees one result per requested
			// package.
			for _, rest := range levels[li+1:] {
				for _, pkg := range rest {
					result.Results = append(result.Results, PackageResult{
						PackageName: pkg.Name,
						Status:      types.BuildStatusSkipped,
						Error:       "dependency level failed",
					})
				}
			}
			break
		}
	}
	return result, nil
}

// levelize computes an iterative, in-degree-counting topological level
// assignment over pkgs (iterative rather than recursive DFS, so a deep
// dependency chain cannot overflow the stack):
// level 0 holds every package whose dependencies are all outside pkgs or
// already placed, and so on until every package is placed. A dependency
// name absent from pkgs is treated as already satisfied (an external
// input the caller resolved some other way); a cycle among pkgs fails
// the whole request before any package builds.
func levelize(pkgs []types.Package) ([][]types.Package, error) {
	byName := make(map[string]types.Package, len(pkgs))
	for _, p := range pkgs {
		byName[p.Name] = p
	}

	indegree := make(map[string]int, len(pkgs))
	dependents := make(map[string][]string)
	for _, p := range pkgs {
		indegree[p.Name] = 0
	}
	for _, p := range pkgs {
		for _, dep := range p.DependsOn {
			if _, ok := byName[dep]; !ok {
				continue
			}
			indegree[p.Name]++
			dependents[dep] = append(dependents[dep], p.Name)
		}
	}

	var levels [][]types.Package
	placed := 0
	for {
		var names []string
		for name, deg := range indegree {
			if deg == 0 {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			break
		}
		sort.Strings(names)

		level := make([]types.Package, 0, len(names))
		for _, name := range names {
			level = append(level, byName[name])
			delete(indegree, name)
			placed++
		}
		levels = append(levels, level)

		for _, name := range names {
			for _, dependent := range dependents[name] {
				if _, ok := indegree[dependent]; ok {
					indegree[dependent]--
				}
			}
		}
	}

	if placed != len(pkgs) {
		return nil, fmt.Errorf("scheduler: dependency cycle detected among %d packages: %w", len(pkgs)-placed, buildnetErrors.ErrInvalidConfig)
	}
	return levels, nil
}

// buildOne runs tier selection followed by, if needed, the full build
// path for one package. It never returns a Go error: failures are
// encoded in the returned PackageResult so a failing sibling does not
// abort the rest of its level.
func (s *Scheduler) buildOne(ctx context.Context, pkg types.Package) PackageResult {
	timer := metrics.NewTimer()
	root := filepath.Join(s.cfg.ProjectRoot, pkg.Dir)

	sourceHash, err := fingerprint.Compute(s.hasher, s.state, root, pkg.SourceGlobs)
	if err != nil {
		return s.failResult(pkg, fmt.Errorf("scheduler: fingerprint %s: %w", pkg.Name, err))
	}

	tier, existing := s.selectTier(pkg, root, sourceHash)

	switch tier {
	case TierInstantSkip:
		s.logger.Debug().Str("package_name", pkg.Name).Str("tier", string(tier)).Msg("scheduler: build short-circuited")
		metrics.BuildsCompleted.WithLabelValues(string(tier), "success").Inc()
		timer.ObserveDurationVec(metrics.BuildDuration, string(tier))
		return PackageResult{PackageName: pkg.Name, Status: types.BuildStatusCached, ArtifactHash: existing.ArtifactHash, Tier: string(tier)}

	case TierCacheRestore:
		outputPath := filepath.Join(root, pkg.OutputDir)
		if err := s.artifacts.Restore(existing.ArtifactHash, outputPath); err != nil {
			result := s.failResult(pkg, fmt.Errorf("scheduler: restore artifact for %s: %w", pkg.Name, err))
			metrics.BuildsCompleted.WithLabelValues(string(tier), "failure").Inc()
			timer.ObserveDurationVec(metrics.BuildDuration, string(tier))
			return result
		}
		s.logger.Debug().Str("package_name", pkg.Name).Str("tier", string(tier)).Msg("scheduler: restored artifact from cache")
		metrics.BuildsCompleted.WithLabelValues(string(tier), "success").Inc()
		timer.ObserveDurationVec(metrics.BuildDuration, string(tier))
		return PackageResult{PackageName: pkg.Name, Status: types.BuildStatusCached, ArtifactHash: existing.ArtifactHash, Tier: string(tier)}
	}

	result := s.executeBuild(ctx, pkg, root, sourceHash)
	outcome := "success"
	if result.Status != types.BuildStatusSucceeded {
		outcome = "failure"
	}
	metrics.BuildsCompleted.WithLabelValues(string(tier), outcome).Inc()
	timer.ObserveDurationVec(metrics.BuildDuration, string(tier))
	return result
}

// selectTier classifies the build as a function of the package, its
// source hash, and the current filesystem/cache contents: skip outright
// when the cached output is still on disk, restore from the artifact
// store when only the record survives, build otherwise.
func (s *Scheduler) selectTier(pkg types.Package, root, sourceHash string) (Tier, *types.BuildRecord) {
	rec, err := s.state.FindCachedBuild(pkg.Name, sourceHash)
	if err != nil || rec == nil {
		return TierSmartIncremental, nil
	}

	if pkg.OutputDir != "" {
		if _, statErr := os.Stat(filepath.Join(root, pkg.OutputDir)); statErr == nil {
			return TierInstantSkip, rec
		}
	}

	if rec.ArtifactHash != "" {
		if _, err := s.artifacts.Get(rec.ArtifactHash); err == nil {
			return TierCacheRestore, rec
		}
	}

	return TierSmartIncremental, nil
}

// executeBuild acquires the cluster-wide lock and a local concurrency
// permit, then hands off to runAndComplete for the executor invocation
// and completion bookkeeping.
func (s *Scheduler) executeBuild(ctx context.Context, pkg types.Package, root, sourceHash string) PackageResult {
	now := time.Now()
	record := &types.BuildRecord{
		ID:           uuid.New().String(),
		PackageName:  pkg.Name,
		SourceHash:   sourceHash,
		Status:       types.BuildStatusRunning,
		StartedAt:    now,
		HolderNodeID: s.nodeID,
	}
	lock := &types.Lock{
		PackageName: pkg.Name,
		SourceHash:  sourceHash,
		HolderID:    s.nodeID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(s.lockTTLOr(10 * time.Minute)),
	}

	acquired, _, err := s.state.AcquireLockAndStartBuild(record, lock)
	if err != nil {
		return s.failResult(pkg, fmt.Errorf("scheduler: acquire lock for %s: %w", pkg.Name, err))
	}
	if !acquired {
		metrics.LockContentionTotal.Inc()
		return s.failResult(pkg, fmt.Errorf("scheduler: %s: %w", pkg.Name, buildnetErrors.ErrLockFailed))
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		record.Status = types.BuildStatusFailed
		record.Error = err.Error()
		record.FinishedAt = time.Now()
		_ = s.state.UpdateBuildRecord(record)
		_ = s.state.ReleaseLock(lock.PackageName)
		s.appendBuildEntry(types.EntryTypeBuildFailed, record)
		return s.failResult(pkg, fmt.Errorf("scheduler: acquire concurrency permit for %s: %w", pkg.Name, err))
	}

	return s.runAndComplete(ctx, pkg, root, record, lock)
}

func (s *Scheduler) lockTTLOr(d time.Duration) time.Duration {
	if s.cfg.LockTTL > 0 {
		return s.cfg.LockTTL
	}
	return d
}

// runAndComplete invokes the Executor, stores the output, and closes the
// build record, releasing the semaphore permit and cluster lock on every
// exit path — including a panic, which is recovered at this task
// boundary, cleaned up after, and re-raised so the failure still
// surfaces the way it would have without the recover.
func (s *Scheduler) runAndComplete(ctx context.Context, pkg types.Package, root string, record *types.BuildRecord, lock *types.Lock) (result PackageResult) {
	defer s.sem.Release(1)
	defer func() {
		if err := s.state.ReleaseLock(lock.PackageName); err != nil {
			s.logger.Warn().Err(err).Str("package_name", pkg.Name).Msg("scheduler: release lock failed")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			record.Status = types.BuildStatusFailed
			record.Error = fmt.Sprintf("panic: %v", r)
			record.FinishedAt = time.Now()
			_ = s.state.UpdateBuildRecord(record)
			s.appendBuildEntry(types.EntryTypeBuildFailed, record)
			panic(r)
		}
	}()

	execResult, execErr := s.executor.Run(ctx, root, pkg.BuildCommand, pkg.Env, s.cfg.BuildTimeout)
	record.FinishedAt = time.Now()
	record.DurationMillis = execResult.Duration.Milliseconds()

	if execErr != nil || execResult.ExitCode != 0 {
		record.Status = types.BuildStatusFailed
		if execErr != nil {
			record.Error = execErr.Error()
		} else {
			record.Error = fmt.Sprintf("exit status %d: %s", execResult.ExitCode, execResult.Stderr)
		}
		_ = s.state.UpdateBuildRecord(record)
		s.appendBuildEntry(types.EntryTypeBuildFailed, record)
		s.publishEvent(events.EventBuildFailed, record)
		return s.failResult(pkg, fmt.Errorf("scheduler: %s: %w", pkg.Name, buildnetErrors.ErrBuildFailed))
	}

	artifactHash := ""
	if pkg.OutputDir != "" {
		outputPath := filepath.Join(root, pkg.OutputDir)
		if _, statErr := os.Stat(outputPath); statErr == nil {
			// Store computes the content hash itself from the packed output;
			// it is independent of the source fingerprint, so two different
			// source trees that happen to build byte-identical output share
			// one blob too.
			stored, err := s.artifacts.Store(pkg.Name, outputPath)
			if err != nil {
				record.Status = types.BuildStatusFailed
				record.Error = fmt.Sprintf("artifact store: %v", err)
				_ = s.state.UpdateBuildRecord(record)
				s.appendBuildEntry(types.EntryTypeBuildFailed, record)
				s.publishEvent(events.EventBuildFailed, record)
				return s.failResult(pkg, fmt.Errorf("scheduler: store artifact for %s: %w", pkg.Name, err))
			}
			artifactHash = stored.Hash
			metrics.ArtifactsTotal.WithLabelValues(string(stored.Tier)).Inc()
		}
	}

	record.Status = types.BuildStatusSucceeded
	record.ArtifactHash = artifactHash
	if err := s.state.UpdateBuildRecord(record); err != nil {
		s.logger.Warn().Err(err).Str("package_name", pkg.Name).Msg("scheduler: update build record failed")
	}
	s.appendBuildEntry(types.EntryTypeBuildSucceeded, record)
	s.publishEvent(events.EventBuildSucceeded, record)

	return PackageResult{
		PackageName:    pkg.Name,
		Status:         types.BuildStatusSucceeded,
		ArtifactHash:   artifactHash,
		DurationMillis: record.DurationMillis,
		Tier:           string(TierSmartIncremental),
	}
}

func (s *Scheduler) failResult(pkg types.Package, err error) PackageResult {
	s.logger.Warn().Err(err).Str("package_name", pkg.Name).Msg("scheduler: package build failed")
	return PackageResult{PackageName: pkg.Name, Status: types.BuildStatusFailed, Error: err.Error()}
}

// appendBuildEntry appends a ledger entry for record, assigning the next
// sequence number in this node's own chain. Sequence assignment is
// serialized by ledgerMu since two concurrent package builds on the same
// node would otherwise race for the same next sequence number.
func (s *Scheduler) appendBuildEntry(entryType types.EntryType, record *types.BuildRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduler: marshal ledger payload failed")
		return
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	seq, prevHash, found, err := s.ledger.Head(s.identity.NodeID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduler: read ledger head failed")
		return
	}
	next := uint64(0)
	if found {
		next = seq + 1
	}

	entry := ledger.NewEntry(s.identity, next, prevHash, entryType, payload)
	timer := metrics.NewTimer()
	if err := s.ledger.Append(entry, s.identity.PublicKey); err != nil {
		s.logger.Warn().Err(err).Str("package_name", record.PackageName).Msg("scheduler: ledger append failed")
		return
	}
	timer.ObserveDuration(metrics.LedgerAppendDuration)
}

func (s *Scheduler) publishEvent(t events.EventType, record *types.BuildRecord) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Message:   record.PackageName,
		Metadata: map[string]string{
			"build_id":     record.ID,
			"package_name": record.PackageName,
			"status":       string(record.Status),
		},
	})
}
