// Package database coordinates the record store, the snapshot cache and the
// metrics sink behind the ledger services.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/workledger/internal/database/influx"
	"github.com/bardlex/workledger/internal/database/postgres"
	"github.com/bardlex/workledger/internal/database/redis"
	"github.com/bardlex/workledger/internal/ledger"
	"github.com/bardlex/workledger/pkg/errors"
	"github.com/bardlex/workledger/pkg/log"
)

// Manager owns the connections of one ledger service
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories, nil with the in-memory store
	Records *postgres.RecordRepository
	Tasks   *postgres.TaskRepository

	// Store is the transactional record store the processor runs on
	Store *ResilientStore

	programID   ledger.Address
	snapshotTTL time.Duration
	coord       Coordinator
	counter     recordCounter
	logger      *log.Logger
}

// Config selects and configures the backends. A nil Postgres config selects
// the in-memory store; nil Redis or Influx configs disable those concerns.
type Config struct {
	ProgramID   ledger.Address
	Postgres    *postgres.Config
	Redis       *redis.Config
	Influx      *influx.Config
	SnapshotTTL time.Duration
}

// Coordinator deduplicates envelopes and rate limits submissions across
// ledgerd replicas. *redis.Client implements it.
type Coordinator interface {
	BeginEnvelope(ctx context.Context, id string, lease time.Duration) (redis.EnvelopeState, error)
	CompleteEnvelope(ctx context.Context, id string, ttl time.Duration) error
	ReleaseEnvelope(ctx context.Context, id string) error
	AllowSubmission(ctx context.Context, identity ledger.Address, limit int64, window time.Duration) (bool, error)
}

type recordCounter interface {
	CountByLabel(ctx context.Context, owner ledger.Address) (map[string]int64, error)
}

// NewManager connects every configured backend and migrates the schema
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		programID:   cfg.ProgramID,
		snapshotTTL: cfg.SnapshotTTL,
		logger:      logger.WithComponent("database"),
	}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL")
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to migrate ledger schema")
		}
		m.Postgres = pg
		m.Records = postgres.NewRecordRepository(pg.DB())
		m.Tasks = postgres.NewTaskRepository(pg.DB())
		m.Store = NewResilientStore(postgres.NewStore(pg), nil, nil)
		m.counter = m.Records
	} else {
		mem := ledger.NewMemStore()
		m.Store = NewResilientStore(mem, nil, nil)
		m.counter = memCounter{mem}
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeCache, "redis_connection",
				"failed to connect to Redis")
			if closeErr := m.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Redis = rc
		m.coord = rc
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeNetwork, "influx_connection",
				"failed to connect to InfluxDB")
			if closeErr := m.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Influx = ic
	}

	return m, nil
}

// NewWithStore builds a manager around an existing store with no cache or
// metrics sink
func NewWithStore(programID ledger.Address, store ledger.Store, logger *log.Logger) *Manager {
	m := &Manager{
		Store:     NewResilientStore(store, nil, nil),
		programID: programID,
		logger:    logger.WithComponent("database"),
	}
	if mem, ok := store.(*ledger.MemStore); ok {
		m.counter = memCounter{mem}
	}
	return m
}

// SetCoordinator replaces the envelope and rate limit coordinator
func (m *Manager) SetCoordinator(c Coordinator) {
	m.coord = c
}

// Coordinated reports whether envelopes are deduplicated
func (m *Manager) Coordinated() bool {
	return m.coord != nil
}

// Close closes all open connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every open connection
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// OutcomeStatus names the result of an instruction: "ok", the rejection code,
// or "error" for store failures
func OutcomeStatus(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := ledger.CodeOf(err); ok {
		return code.String()
	}
	return "error"
}

// RecordOutcome refreshes cached snapshots and writes metrics for one
// processed instruction. Every step is best effort.
func (m *Manager) RecordOutcome(ctx context.Context, ix ledger.Instruction, receipt *ledger.Receipt, err error, latency time.Duration) {
	status := OutcomeStatus(err)

	if m.Redis != nil {
		if _, cerr := m.Redis.IncrementOutcome(ctx, ix.Name(), status, time.Now()); cerr != nil {
			m.warn("redis_outcome_counter", cerr)
		}
		if receipt != nil && receipt.Node != nil {
			if cerr := m.Redis.SetNode(ctx, receipt.Node, m.snapshotTTL); cerr != nil {
				m.warn("redis_node_snapshot", cerr)
			}
		}
		if receipt != nil && receipt.Config != nil {
			if cerr := m.Redis.SetConfig(ctx, receipt.Config, m.snapshotTTL); cerr != nil {
				m.warn("redis_config_snapshot", cerr)
			}
		}
	}

	if m.Influx == nil {
		return
	}
	if err != nil {
		m.Influx.WriteRejectionMetric(ix.Name(), status)
	}
	switch ix := ix.(type) {
	case ledger.SubmitTask:
		identity := ""
		if receipt != nil && receipt.Node != nil {
			identity = receipt.Node.NodeIdentity.String()
		}
		m.Influx.WriteSubmissionMetric(identity, ix.RewardUnits, status, latency)
	case ledger.ClaimReward:
		if receipt != nil && receipt.Node != nil {
			m.Influx.WriteClaimMetric(receipt.Node.NodeIdentity.String(), ix.Amount, receipt.Node.PendingRewardUnits)
		}
	}
}

func (m *Manager) warn(operation string, err error) {
	m.logger.WithError(errors.Wrap(err, errors.ErrorTypeCache, operation, "non-critical update failed")).
		Warn("best effort update failed", "operation", operation)
}

// AllowSubmission applies the per-identity submission rate limit. Without a
// coordinator, or with a non-positive limit, every submission is allowed.
func (m *Manager) AllowSubmission(ctx context.Context, identity ledger.Address, limit int, window time.Duration) (bool, error) {
	if m.coord == nil || limit <= 0 {
		return true, nil
	}
	ok, err := m.coord.AllowSubmission(ctx, identity, int64(limit), window)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeCache, "rate_limit", "failed to check submission rate")
	}
	return ok, nil
}

// BeginEnvelope takes the in-flight lease on envelope id. Without a
// coordinator every envelope is new.
func (m *Manager) BeginEnvelope(ctx context.Context, id string, lease time.Duration) (redis.EnvelopeState, error) {
	if m.coord == nil {
		return redis.EnvelopeNew, nil
	}
	state, err := m.coord.BeginEnvelope(ctx, id, lease)
	if err != nil {
		return state, errors.Wrap(err, errors.ErrorTypeCache, "dedupe_envelope", "failed to lease envelope").
			WithContext("envelope_id", id)
	}
	return state, nil
}

// CompleteEnvelope marks envelope id final once its outcome is committed or
// rejected by the ledger
func (m *Manager) CompleteEnvelope(ctx context.Context, id string, ttl time.Duration) {
	if m.coord == nil {
		return
	}
	if err := m.coord.CompleteEnvelope(ctx, id, ttl); err != nil {
		m.warn("complete_envelope", err)
	}
}

// ReleaseEnvelope drops the lease after a failure that left no state behind,
// so a redelivery is processed
func (m *Manager) ReleaseEnvelope(ctx context.Context, id string) {
	if m.coord == nil {
		return
	}
	if err := m.coord.ReleaseEnvelope(ctx, id); err != nil {
		m.warn("release_envelope", err)
	}
}

// NodeSnapshot returns the node record of identity from the cache, falling
// back to the store. It returns nil when the node is not registered.
func (m *Manager) NodeSnapshot(ctx context.Context, identity ledger.Address) (*ledger.NodeAccount, error) {
	if m.Redis != nil {
		node, err := m.Redis.GetNode(ctx, identity)
		if err == nil {
			return node, nil
		}
		if err != redis.ErrCacheMiss {
			m.warn("redis_node_lookup", err)
		}
	}

	node, err := ledger.ReadNode(ctx, m.Store, m.programID, identity)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "node_snapshot", "failed to read node record").
			WithContext("node_identity", identity.String())
	}
	if node != nil && m.Redis != nil {
		if err := m.Redis.SetNode(ctx, node, m.snapshotTTL); err != nil {
			m.warn("redis_node_snapshot", err)
		}
	}
	return node, nil
}

// NetworkStats summarizes the ledger
type NetworkStats struct {
	Initialized      bool             `json:"initialized"`
	TotalTasks       uint64           `json:"total_tasks"`
	TotalRewardUnits uint64           `json:"total_reward_units"`
	Records          map[string]int64 `json:"records"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// GetNetworkStats reads the config record and counts records per kind
func (m *Manager) GetNetworkStats(ctx context.Context) (*NetworkStats, error) {
	cfg, err := ledger.ReadConfig(ctx, m.Store, m.programID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "network_stats", "failed to read config record")
	}

	stats := &NetworkStats{Records: map[string]int64{}, LastUpdated: time.Now()}
	if cfg != nil {
		stats.Initialized = true
		stats.TotalTasks = cfg.TotalTasks
		stats.TotalRewardUnits = cfg.TotalRewardUnits
	}
	if m.counter != nil {
		counts, err := m.counter.CountByLabel(ctx, m.programID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "network_stats", "failed to count records")
		}
		stats.Records = counts
	}
	return stats, nil
}

// StartPeriodicTasks starts background flushing and network metrics
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := m.GetNetworkStats(ctx)
				if err != nil {
					m.logger.WithError(err).Warn("failed to get network stats")
					continue
				}
				m.Influx.WriteNetworkMetric(stats.TotalTasks, stats.TotalRewardUnits, stats.Records[string(ledger.NodeLabel)])
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-m.Influx.Errors():
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("influx write failed")
			}
		}
	}()
}

type memCounter struct {
	store *ledger.MemStore
}

func (c memCounter) CountByLabel(_ context.Context, owner ledger.Address) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, rec := range c.store.Snapshot() {
		if rec.Owner == owner && rec.HasData() {
			counts[rec.Label]++
		}
	}
	return counts, nil
}
