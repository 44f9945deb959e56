// Package scheduler runs the periodic SLA alert scan for every org.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/logging"
)

// Source is the slice of the engine the scheduler drives.
type Source interface {
	ListOrgs(ctx context.Context) ([]domain.Organization, error)
	OrgConfig(ctx context.Context, orgID string) (*config.Config, error)
	ScanAlerts(ctx context.Context, orgID string, now time.Time) ([]domain.Alert, error)
}

// RefreshSpec is how often org schedules are reloaded so new orgs and config edits are picked up.
const RefreshSpec = "@every 5m"

const scanTimeout = 2 * time.Minute

type entry struct {
	id   cron.EntryID
	spec string
}

type Scheduler struct {
	src  Source
	log  *zap.Logger
	Now  func() time.Time
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]entry
}

func New(src Source, log *zap.Logger) *Scheduler {
	log = logging.OrNop(log).Named("scheduler")
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		src:     src,
		log:     log,
		Now:     time.Now,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:     context.Background(),
		entries: map[string]entry{},
	}
}

// Start registers one scan job per org and starts the cron loop. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(RefreshSpec, func() {
		if err := s.Refresh(s.jobContext()); err != nil {
			s.log.Warn("refresh schedules", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register refresh job: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("orgs", len(s.Scheduled())))
	return nil
}

// Stop halts the loop and waits for running scans.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Refresh reconciles cron entries with the current orgs and their sla_scan_cron settings.
func (s *Scheduler) Refresh(ctx context.Context) error {
	orgs, err := s.src.ListOrgs(ctx)
	if err != nil {
		return fmt.Errorf("list orgs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, org := range orgs {
		seen[org.ID] = true
		cfg, err := s.src.OrgConfig(ctx, org.ID)
		if err != nil {
			s.log.Warn("org config unavailable", zap.String("org_id", org.ID), zap.Error(err))
			continue
		}
		spec := cfg.SLAScanCron()
		if cur, ok := s.entries[org.ID]; ok {
			if cur.spec == spec {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, org.ID)
		}
		orgID := org.ID
		id, err := s.cron.AddFunc(spec, func() { s.runJob(orgID) })
		if err != nil {
			s.log.Warn("invalid scan schedule", zap.String("org_id", orgID), zap.String("spec", spec), zap.Error(err))
			continue
		}
		s.entries[orgID] = entry{id: id, spec: spec}
	}
	for orgID, cur := range s.entries {
		if !seen[orgID] {
			s.cron.Remove(cur.id)
			delete(s.entries, orgID)
		}
	}
	return nil
}

// Scheduled returns the org id to cron spec mapping currently registered.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for orgID, e := range s.entries {
		out[orgID] = e.spec
	}
	return out
}

func (s *Scheduler) runJob(orgID string) {
	ctx, cancel := context.WithTimeout(s.jobContext(), scanTimeout)
	defer cancel()
	if _, err := s.RunOrg(ctx, orgID); err != nil {
		s.log.Error("sla scan failed", zap.String("org_id", orgID), zap.Error(err))
	}
}

// RunOrg performs one scan for an org and returns how many alerts were raised.
func (s *Scheduler) RunOrg(ctx context.Context, orgID string) (int, error) {
	started := s.Now()
	alerts, err := s.src.ScanAlerts(ctx, orgID, started)
	if err != nil {
		return 0, err
	}
	s.log.Debug("sla scan",
		zap.String("org_id", orgID),
		zap.Int("raised", len(alerts)),
		zap.Duration("took", time.Since(started)))
	return len(alerts), nil
}

// RunAll scans every org once, continuing past per-org failures.
func (s *Scheduler) RunAll(ctx context.Context) (map[string]int, error) {
	orgs, err := s.src.ListOrgs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(orgs))
	var firstErr error
	for _, org := range orgs {
		n, err := s.RunOrg(ctx, org.ID)
		if err != nil {
			s.log.Error("sla scan failed", zap.String("org_id", org.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[org.ID] = n
	}
	return out, firstErr
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
