package triggers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/storage"
	"github.com/songzhibin97/bizflow/types"
	"github.com/songzhibin97/bizflow/workflow"
)

// Scheduler starts definitions that carry a cron schedule.
type Scheduler struct {
	manager *Manager
	engine  Engine
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[uint64]cron.EntryID
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunTimeout bounds one scheduled run. Zero means no bound.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLocation sets the time zone cron expressions are read in.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) { s.cron = cron.New(cron.WithLocation(loc)) }
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(manager *Manager, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		manager: manager,
		engine:  manager.engine,
		cron:    cron.New(),
		logger:  zap.NewNop(),
		timeout: 5 * time.Minute,
		entries: make(map[uint64]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load registers one cron entry per active scheduled definition, replacing
// entries loaded before.
func (s *Scheduler) Load(ctx context.Context) error {
	defs, err := s.engine.ListDefinitions(ctx, storage.DefinitionFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, def := range defs {
		if def.Schedule == nil {
			continue
		}
		def := def
		entry, err := s.cron.AddFunc(def.Schedule.Cron, func() { s.fire(def) })
		if err != nil {
			return fmt.Errorf("definition %d: schedule %q: %w", def.ID, def.Schedule.Cron, err)
		}
		s.entries[def.ID] = entry
		s.logger.Info("scheduled definition",
			zap.Uint64("definition_id", def.ID),
			zap.String("cron", def.Schedule.Cron))
	}
	return nil
}

// Entries returns the number of scheduled definitions.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// fire starts one scheduled run of def.
func (s *Scheduler) fire(def types.Definition) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	entity := types.EntityRef{Type: def.EntityType, ID: def.Schedule.EntityID}
	res, err := s.manager.TriggerManual(ctx, def.ID, entity, types.Actor{}, map[string]interface{}{
		"trigger_type": workflow.TriggerScheduled,
		"scheduled_at": time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("scheduled run failed",
			zap.Uint64("definition_id", def.ID),
			zap.String("entity_id", entity.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("scheduled run finished",
		zap.Uint64("definition_id", def.ID),
		zap.Uint64("instance_id", res.InstanceID),
		zap.String("state", res.CurrentState),
		zap.String("status", res.Status))
}
