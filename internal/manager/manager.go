// Package manager owns the map of running strategy executors: start/stop,
// per-key uniqueness, heartbeats, persisted lifecycle status, and boot-time
// auto-resume.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/bracket"
	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/executor"
	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/internal/staterepo"
	"github.com/tradebaas/engine/internal/strategy"
	"github.com/tradebaas/engine/pkg/types"
)

var (
	// ErrAlreadyRunning means a live instance exists for the key.
	ErrAlreadyRunning = errors.New("manager: strategy already running")
	// ErrNotConnected means the user has no connected broker client.
	ErrNotConnected = errors.New("manager: broker not connected")
)

// DefaultBroker is assumed when a request does not name one.
const DefaultBroker = "deribit"

const resumeRecordTimeout = 15 * time.Second

// StartRequest describes a strategy the user wants running.
type StartRequest struct {
	StrategyName string         `json:"strategyName"`
	Instrument   string         `json:"instrument"`
	Broker       string         `json:"broker,omitempty"`
	Environment  string         `json:"environment"`
	Config       map[string]any `json:"config,omitempty"`
}

// StopRequest identifies the instance to stop.
type StopRequest struct {
	StrategyName string `json:"strategyName"`
	Instrument   string `json:"instrument"`
	Broker       string `json:"broker,omitempty"`
	Environment  string `json:"environment"`
}

// StatusFilter narrows StatusForUser.
type StatusFilter struct {
	Broker      string
	Environment string
}

// ResumeSummary reports the outcome of boot-time auto-resume.
type ResumeSummary struct {
	Resumed int `json:"resumed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type instance struct {
	key           types.StrategyKey
	client        broker.Client
	exec          *executor.Executor
	stopHeartbeat chan struct{}

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// Manager is the process-wide strategy lifecycle service.
type Manager struct {
	logger   *zap.Logger
	cfg      types.Config
	registry *strategy.Registry
	brokers  *broker.Registry
	repo     *staterepo.Repository
	store    ledger.Store
	metrics  *metrics.Metrics

	mu            sync.Mutex
	live          map[string]*instance
	orchestrators map[string]*bracket.Orchestrator
}

// New creates the manager.
func New(
	logger *zap.Logger,
	cfg types.Config,
	registry *strategy.Registry,
	brokers *broker.Registry,
	repo *staterepo.Repository,
	store ledger.Store,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		logger:        logger.Named("strategy-manager"),
		cfg:           cfg,
		registry:      registry,
		brokers:       brokers,
		repo:          repo,
		store:         store,
		metrics:       m,
		live:          make(map[string]*instance),
		orchestrators: make(map[string]*bracket.Orchestrator),
	}
}

func (m *Manager) defaults() strategy.Defaults {
	return strategy.Defaults{
		CooldownMinutes: m.cfg.DefaultCooldownMinutes,
		MaxDailyTrades:  m.cfg.DefaultMaxDailyTrades,
	}
}

// Start launches a strategy for the user. Idempotent-by-key: a second start
// for the same key fails with ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context, userID string, req StartRequest) error {
	key := types.StrategyKey{
		UserID:       userID,
		StrategyName: strings.ToLower(req.StrategyName),
		Instrument:   req.Instrument,
		Broker:       normalizeBroker(req.Broker),
		Environment:  req.Environment,
	}

	client, ok := m.brokers.Get(key.UserID, key.Broker, key.Environment)
	if !ok || !client.IsConnected() {
		return ErrNotConnected
	}

	signaler, params, err := m.registry.Create(key.StrategyName, req.Config, m.defaults())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.live[key.String()]; exists {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the key before releasing the lock so two concurrent starts
	// reliably produce one success and one ErrAlreadyRunning.
	inst := &instance{key: key, client: client, stopHeartbeat: make(chan struct{})}
	m.live[key.String()] = inst
	orch := m.orchestratorLocked(key, client)
	m.mu.Unlock()

	now := time.Now()
	record := types.StrategyRecord{
		Key:           key,
		Config:        req.Config,
		Status:        types.StrategyStatusActive,
		AutoReconnect: true,
		LastAction:    types.LastActionManualStart,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	if err := m.repo.Upsert(ctx, record); err != nil {
		m.removeInstance(key, inst)
		return fmt.Errorf("failed to persist strategy record: %w", err)
	}

	exec := executor.New(m.logger, key, client, m.store, orch, m, m.metrics, signaler, params)
	if err := exec.Start(ctx); err != nil {
		m.removeInstance(key, inst)
		msg := err.Error()
		m.repo.UpdateStatus(ctx, key, staterepo.StatusPatch{
			Status:         types.StrategyStatusError,
			LastAction:     types.LastActionExecutionError,
			ErrorMessage:   &msg,
			IncrementError: true,
		})
		return err
	}

	inst.mu.Lock()
	inst.exec = exec
	inst.lastHeartbeat = now
	inst.mu.Unlock()

	m.metrics.LiveExecutors.Inc()
	go m.heartbeatLoop(inst)

	m.logger.Info("Strategy started", zap.String("key", key.String()))
	return nil
}

// Stop gracefully stops a running instance and persists the user's intent:
// stopped records never auto-resume.
func (m *Manager) Stop(ctx context.Context, userID string, req StopRequest) error {
	key := types.StrategyKey{
		UserID:       userID,
		StrategyName: strings.ToLower(req.StrategyName),
		Instrument:   req.Instrument,
		Broker:       normalizeBroker(req.Broker),
		Environment:  req.Environment,
	}

	m.mu.Lock()
	inst, exists := m.live[key.String()]
	if exists {
		delete(m.live, key.String())
	}
	m.mu.Unlock()

	if exists {
		close(inst.stopHeartbeat)
		inst.mu.Lock()
		exec := inst.exec
		inst.mu.Unlock()
		if exec != nil {
			exec.Stop()
		}
		m.metrics.LiveExecutors.Dec()
	}

	err := m.repo.MarkDisconnected(ctx, key, types.StrategyStatusStopped, false, types.LastActionManualStop)
	if err != nil && !errors.Is(err, staterepo.ErrNotFound) {
		return fmt.Errorf("failed to persist stop: %w", err)
	}

	m.logger.Info("Strategy stopped", zap.String("key", key.String()), zap.Bool("wasRunning", exists))
	return nil
}

// StatusForUser returns the user's records with live heartbeats merged in.
func (m *Manager) StatusForUser(ctx context.Context, userID string, filter StatusFilter) ([]types.StrategyRecord, error) {
	records, err := m.repo.FindByUser(ctx, userID, filter.Broker, filter.Environment)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		if inst, ok := m.live[records[i].Key.String()]; ok {
			inst.mu.Lock()
			if inst.lastHeartbeat.After(records[i].LastHeartbeat) {
				records[i].LastHeartbeat = inst.lastHeartbeat
			}
			inst.mu.Unlock()
		}
	}
	return records, nil
}

// IsRunning reports whether a live instance exists for the key.
func (m *Manager) IsRunning(key types.StrategyKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[key.String()]
	return ok
}

// Initialize is the boot-time auto-resume: every record persisted active with
// autoReconnect is restarted, sequentially, without ever propagating a
// failure — the service must come up even if every resume fails.
func (m *Manager) Initialize(ctx context.Context) ResumeSummary {
	var summary ResumeSummary

	records, err := m.repo.FindAllToResume(ctx, "", "")
	if err != nil {
		m.logger.Error("Auto-resume could not load records", zap.Error(err))
		return summary
	}

	for _, rec := range records {
		outcome := m.resumeOne(ctx, rec)
		switch outcome {
		case "resumed":
			summary.Resumed++
		case "skipped":
			summary.Skipped++
		default:
			summary.Failed++
		}
		m.metrics.ResumeOutcomes.WithLabelValues(outcome).Inc()
	}

	m.logger.Info("Auto-resume complete",
		zap.Int("resumed", summary.Resumed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary
}

// resumeOne restarts a single record, bounded in time and panic-isolated.
func (m *Manager) resumeOne(ctx context.Context, rec types.StrategyRecord) (outcome string) {
	key := rec.Key
	logger := m.logger.With(zap.String("key", key.String()))

	defer func() {
		if r := recover(); r != nil {
			outcome = "failed"
			msg := fmt.Sprintf("panic during resume: %v", r)
			logger.Error("Auto-resume panicked", zap.Any("panic", r))
			m.repo.UpdateStatus(ctx, key, staterepo.StatusPatch{
				Status:         types.StrategyStatusError,
				LastAction:     types.LastActionAutoResumeFailed,
				ErrorMessage:   &msg,
				IncrementError: true,
			})
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, resumeRecordTimeout)
	defer cancel()

	client, ok := m.brokers.Get(key.UserID, key.Broker, key.Environment)
	if !ok || !client.IsConnected() {
		logger.Info("Auto-resume skipped: broker not connected")
		m.repo.UpdateStatus(rctx, key, staterepo.StatusPatch{
			Status:     types.StrategyStatusPaused,
			LastAction: types.LastActionAutoResumeSkipped,
		})
		return "skipped"
	}

	m.mu.Lock()
	if _, exists := m.live[key.String()]; exists {
		m.mu.Unlock()
		logger.Warn("Auto-resume found an existing live instance, skipping")
		return "skipped"
	}
	inst := &instance{key: key, client: client, stopHeartbeat: make(chan struct{})}
	m.live[key.String()] = inst
	orch := m.orchestratorLocked(key, client)
	m.mu.Unlock()

	signaler, params, err := m.registry.Create(key.StrategyName, rec.Config, m.defaults())
	if err != nil {
		m.removeInstance(key, inst)
		return m.failResume(rctx, key, logger, err)
	}

	exec := executor.New(m.logger, key, client, m.store, orch, m, m.metrics, signaler, params)
	if err := exec.Start(rctx); err != nil {
		m.removeInstance(key, inst)
		return m.failResume(rctx, key, logger, err)
	}

	now := time.Now()
	inst.mu.Lock()
	inst.exec = exec
	inst.lastHeartbeat = now
	inst.mu.Unlock()

	m.repo.UpdateStatus(rctx, key, staterepo.StatusPatch{
		Status:        types.StrategyStatusActive,
		LastAction:    types.LastActionAutoResume,
		ConnectedAt:   &now,
		LastHeartbeat: &now,
		ResetErrors:   true,
	})

	m.metrics.LiveExecutors.Inc()
	go m.heartbeatLoop(inst)

	logger.Info("Auto-resumed strategy")
	return "resumed"
}

func (m *Manager) failResume(ctx context.Context, key types.StrategyKey, logger *zap.Logger, cause error) string {
	logger.Error("Auto-resume failed", zap.Error(cause))
	msg := cause.Error()
	m.repo.UpdateStatus(ctx, key, staterepo.StatusPatch{
		Status:         types.StrategyStatusError,
		LastAction:     types.LastActionAutoResumeFailed,
		ErrorMessage:   &msg,
		IncrementError: true,
	})
	return "failed"
}

// ReportTerminal implements executor.Supervisor: the run loop exited on its
// own (stop acknowledged elsewhere, or an internal failure).
func (m *Manager) ReportTerminal(key types.StrategyKey, status types.StrategyStatus, errMsg string) {
	m.mu.Lock()
	inst, exists := m.live[key.String()]
	if exists {
		delete(m.live, key.String())
	}
	m.mu.Unlock()

	if !exists {
		// Already removed by Stop; nothing left to do.
		return
	}

	close(inst.stopHeartbeat)
	m.metrics.LiveExecutors.Dec()

	if status == types.StrategyStatusError {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg := errMsg
		// AutoReconnect is preserved so a restart may retry.
		m.repo.UpdateStatus(ctx, key, staterepo.StatusPatch{
			Status:         types.StrategyStatusError,
			LastAction:     types.LastActionExecutionError,
			ErrorMessage:   &msg,
			IncrementError: true,
		})
		m.logger.Error("Executor terminated with error",
			zap.String("key", key.String()),
			zap.String("error", errMsg))
	}
}

// Shutdown stops every live executor, used at process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	instances := make([]*instance, 0, len(m.live))
	for _, inst := range m.live {
		instances = append(instances, inst)
	}
	m.live = make(map[string]*instance)
	m.mu.Unlock()

	for _, inst := range instances {
		close(inst.stopHeartbeat)
		inst.mu.Lock()
		exec := inst.exec
		inst.mu.Unlock()
		if exec != nil {
			exec.Stop()
		}
		m.metrics.LiveExecutors.Dec()
	}
	m.logger.Info("All executors stopped", zap.Int("count", len(instances)))
}

// SweepOrphans runs one orphan-reaper pass over every user's orchestrator.
func (m *Manager) SweepOrphans(ctx context.Context) {
	m.mu.Lock()
	orchs := make([]*bracket.Orchestrator, 0, len(m.orchestrators))
	for _, o := range m.orchestrators {
		orchs = append(orchs, o)
	}
	m.mu.Unlock()

	for _, o := range orchs {
		o.SweepOrphans(ctx)
	}
}

// heartbeatLoop advances the record's heartbeat until the instance stops.
func (m *Manager) heartbeatLoop(inst *instance) {
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-inst.stopHeartbeat:
			return
		case <-ticker.C:
			// A disconnected broker stops the heartbeat advancing, so
			// reconciliation flags the record once the outage outlasts
			// 3x the heartbeat period.
			if !inst.client.IsConnected() {
				continue
			}

			now := time.Now()
			inst.mu.Lock()
			inst.lastHeartbeat = now
			inst.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := m.repo.UpdateHeartbeat(ctx, inst.key, now); err != nil {
				m.logger.Warn("Heartbeat write failed",
					zap.String("key", inst.key.String()),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// orchestratorLocked returns the per-(user,broker,env) bracket orchestrator,
// creating it on first use. Caller holds m.mu.
func (m *Manager) orchestratorLocked(key types.StrategyKey, client broker.Client) *bracket.Orchestrator {
	ok := key.UserID + ":" + key.Broker + ":" + key.Environment
	if o, exists := m.orchestrators[ok]; exists {
		return o
	}
	o := bracket.New(m.logger, client, m.metrics, m.cfg.BracketTimeout())
	m.orchestrators[ok] = o
	return o
}

func (m *Manager) removeInstance(key types.StrategyKey, inst *instance) {
	m.mu.Lock()
	if cur, ok := m.live[key.String()]; ok && cur == inst {
		delete(m.live, key.String())
	}
	m.mu.Unlock()
	close(inst.stopHeartbeat)
}

// Ledger exposes the trade store for the HTTP surface.
func (m *Manager) Ledger() ledger.Store {
	return m.store
}

func normalizeBroker(name string) string {
	if name == "" {
		return DefaultBroker
	}
	return strings.ToLower(name)
}
