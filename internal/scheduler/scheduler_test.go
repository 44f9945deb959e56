package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/config"
	"prodline/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	orgs    []domain.Organization
	specs   map[string]string
	fail    map[string]error
	raise   int
	scanned []string
	at      []time.Time
}

func (f *fakeSource) ListOrgs(context.Context) ([]domain.Organization, error) {
	return f.orgs, nil
}

func (f *fakeSource) OrgConfig(_ context.Context, orgID string) (*config.Config, error) {
	cfg := config.Default(orgID)
	cfg.Scheduler.SLAScanCron = f.specs[orgID]
	return cfg, nil
}

func (f *fakeSource) ScanAlerts(_ context.Context, orgID string, now time.Time) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[orgID]; err != nil {
		return nil, err
	}
	f.scanned = append(f.scanned, orgID)
	f.at = append(f.at, now)
	return make([]domain.Alert, f.raise), nil
}

func TestRunOrgPassesClock(t *testing.T) {
	src := &fakeSource{raise: 2}
	s := New(src, nil)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }

	n, err := s.RunOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"org-1"}, src.scanned)
	assert.Equal(t, fixed, src.at[0])
}

func TestRunAllContinuesPastFailures(t *testing.T) {
	boom := errors.New("database is locked")
	src := &fakeSource{
		orgs:  []domain.Organization{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		fail:  map[string]error{"b": boom},
		raise: 1,
	}
	s := New(src, nil)

	res, err := s.RunAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, map[string]int{"a": 1, "c": 1}, res)
	assert.Equal(t, []string{"a", "c"}, src.scanned)
}

func TestRefreshReconcilesEntries(t *testing.T) {
	src := &fakeSource{
		orgs:  []domain.Organization{{ID: "a"}, {ID: "b"}, {ID: "bad"}},
		specs: map[string]string{"b": "0 * * * *", "bad": "not a schedule"},
	}
	s := New(src, nil)
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, map[string]string{"a": "*/15 * * * *", "b": "0 * * * *"}, s.Scheduled())
	assert.Len(t, s.cron.Entries(), 2)

	src.orgs = src.orgs[:1]
	src.specs["a"] = "*/5 * * * *"
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, map[string]string{"a": "*/5 * * * *"}, s.Scheduled())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestStartAndStop(t *testing.T) {
	src := &fakeSource{orgs: []domain.Organization{{ID: "a"}}}
	s := New(src, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Len(t, s.cron.Entries(), 2, "org scan plus refresh")
	require.NoError(t, s.Stop(ctx))
}
