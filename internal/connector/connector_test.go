package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/database"
	"github.com/catherinevee/syncmgr/internal/events"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/pkg/models"
)

func newTestBase(t *testing.T, cfg config.ConnectorConfig) *Base {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "conn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewSQLiteStore(db)
	proc := processor.New(st, events.NewBus(), filtering.NewEngine(cfg.Filters), cfg.OrgID, cfg.ID, cfg.Name)
	points := syncpoint.NewSQLiteManager(db, cfg.ID, cfg.OrgID, "records_sync_point")
	return NewBase(cfg, points, proc, filtering.NewEngine(cfg.Filters))
}

func testCfg() config.ConnectorConfig {
	return config.ConnectorConfig{
		ID:                   "conn-1",
		OrgID:                "org-1",
		Name:                 "acme",
		Source:               "dropbox",
		BatchSize:            3,
		MaxConcurrentBatches: 2,
		RequestsPerSecond:    100,
		RequestBurst:         100,
	}
}

func fileTuple(externalID string, updatedAt int64) processor.RecordWithPermissions {
	return processor.RecordWithPermissions{
		Record: &models.Record{
			Base: models.Base{
				ExternalRecordID: externalID,
				SourceUpdatedAt:  updatedAt,
			},
			RecordName: externalID,
			RecordType: models.RecordTypeFile,
			File:       &models.FileRecord{Path: "/" + externalID, IsFile: true},
		},
	}
}

func TestRateLimiterBlocksUntilToken(t *testing.T) {
	rl := NewRateLimiter(50, 1)
	ctx := context.Background()

	require.NoError(t, rl.Acquire(ctx))

	start := time.Now()
	require.NoError(t, rl.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRateLimiterHonorsCancellation(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Acquire(ctx))
}

func TestBatchFlushesAtConfiguredSize(t *testing.T) {
	base := newTestBase(t, testCfg())
	ctx := context.Background()

	var flushes []processor.Result
	batch := base.NewBatch(func(ctx context.Context, res processor.Result) error {
		flushes = append(flushes, res)
		return nil
	})

	for i := 0; i < 7; i++ {
		require.NoError(t, batch.Add(ctx, fileTuple(fmt.Sprintf("f-%d", i), int64(1000+i))))
	}
	// 7 tuples with batch size 3: two automatic flushes, one buffered.
	require.Len(t, flushes, 2)
	assert.Equal(t, 1, batch.Len())

	require.NoError(t, batch.Flush(ctx))
	require.Len(t, flushes, 3)

	assert.Equal(t, 3, flushes[0].Created)
	assert.Equal(t, 3, flushes[1].Created)
	assert.Equal(t, 1, flushes[2].Created)

	snap := base.Stats().Snapshot()
	assert.Equal(t, int64(7), snap.RecordsCreated)
}

func TestBatchFlushEmptyIsNoop(t *testing.T) {
	base := newTestBase(t, testCfg())

	calls := 0
	batch := base.NewBatch(func(ctx context.Context, res processor.Result) error {
		calls++
		return nil
	})
	require.NoError(t, batch.Flush(context.Background()))
	assert.Zero(t, calls)
}

func TestBatchFlushReportsMaxSourceUpdatedAt(t *testing.T) {
	base := newTestBase(t, testCfg())
	ctx := context.Background()

	var last int64
	batch := base.NewBatch(func(ctx context.Context, res processor.Result) error {
		last = res.MaxSourceUpdatedAt
		return nil
	})
	require.NoError(t, batch.Add(ctx, fileTuple("a", 500)))
	require.NoError(t, batch.Add(ctx, fileTuple("b", 900)))
	require.NoError(t, batch.Add(ctx, fileTuple("c", 700)))
	assert.Equal(t, int64(900), last)
}

func TestRunScopesBoundedConcurrency(t *testing.T) {
	base := newTestBase(t, testCfg())

	var active, peak int32
	var mu sync.Mutex
	scopes := []string{"a", "b", "c", "d", "e", "f"}

	err := base.RunScopes(context.Background(), scopes, func(ctx context.Context, scope string) error {
		cur := atomic.AddInt32(&active, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestRunScopesSkipsExcluded(t *testing.T) {
	cfg := testCfg()
	cfg.Filters = config.FilterConfig{ExcludeScopes: []string{"b"}}
	base := newTestBase(t, cfg)

	var mu sync.Mutex
	seen := map[string]bool{}
	err := base.RunScopes(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, scope string) error {
		mu.Lock()
		seen[scope] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, seen["a"])
	assert.False(t, seen["b"])
	assert.True(t, seen["c"])
}

func TestRunScopesAuthErrorAbortsRemaining(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrentBatches = 1
	base := newTestBase(t, cfg)

	var ran []string
	err := base.RunScopes(context.Background(), []string{"a", "b", "c", "d"}, func(ctx context.Context, scope string) error {
		ran = append(ran, scope)
		if scope == "b" {
			return apperrors.New(apperrors.KindAuth, "token revoked")
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.Equal(t, AuthNeedsReauth, base.AuthStatus())
	assert.Less(t, len(ran), 4)
}

func TestRunScopesCollectsNonAuthErrors(t *testing.T) {
	base := newTestBase(t, testCfg())

	err := base.RunScopes(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, scope string) error {
		if scope == "b" {
			return apperrors.New(apperrors.KindTransient, "rate limited")
		}
		return nil
	})
	require.Error(t, err)
	assert.False(t, apperrors.Is(err, apperrors.KindAuth))
	assert.Equal(t, AuthOK, base.AuthStatus())
}

func TestRegistryBuildAndDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFactory("dropbox", func(cfg config.ConnectorConfig) (Driver, error) {
		return &stubDriver{Base: NewBase(cfg, nil, nil, nil)}, nil
	})

	cfg := testCfg()
	d, err := reg.Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", d.ID())

	got, ok := reg.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, d, got)

	assert.Len(t, reg.BySource("dropbox"), 1)
	assert.Empty(t, reg.BySource("gmail"))

	_, err = reg.Build(cfg)
	assert.Error(t, err, "duplicate instance id must be rejected")

	cfg.Source = "unknown"
	cfg.ID = "conn-2"
	_, err = reg.Build(cfg)
	assert.Error(t, err)

	reg.Remove("conn-1")
	_, ok = reg.Get("conn-1")
	assert.False(t, ok)
}

func TestSchedulerTriggerCoalesces(t *testing.T) {
	reg := NewRegistry()
	d := &stubDriver{Base: NewBase(testCfg(), nil, nil, nil)}
	d.block = make(chan struct{})
	require.NoError(t, reg.Add(d))

	sched := NewScheduler(reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.wg.Add(1)
	go sched.triggerLoop(ctx)

	sched.TriggerIncremental("conn-1", "")
	require.Eventually(t, func() bool { return d.incrementalStarts.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Triggers while a run is in flight collapse into one follow-up run.
	sched.TriggerIncremental("conn-1", "")
	sched.TriggerIncremental("conn-1", "")
	close(d.block)

	require.Eventually(t, func() bool { return d.incrementalStarts.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), d.incrementalStarts.Load())

	cancel()
	sched.wg.Wait()
}

type stubDriver struct {
	*Base
	block             chan struct{}
	incrementalStarts atomic.Int32
}

func (s *stubDriver) Init(ctx context.Context) error    { return nil }
func (s *stubDriver) RunSync(ctx context.Context) error { return nil }

func (s *stubDriver) RunIncrementalSync(ctx context.Context) error {
	n := s.incrementalStarts.Add(1)
	if n == 1 && s.block != nil {
		<-s.block
	}
	return nil
}

func (s *stubDriver) HandleWebhookNotification(ctx context.Context, n WebhookNotification) error {
	return nil
}
func (s *stubDriver) TestConnectionAndAccess(ctx context.Context) error { return nil }
func (s *stubDriver) StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*StreamResponse, error) {
	return nil, apperrors.New(apperrors.KindValidation, "not streamable")
}
func (s *stubDriver) GetSignedURL(ctx context.Context, rec *models.Record) (string, error) {
	return "", apperrors.New(apperrors.KindValidation, "no signed urls")
}
func (s *stubDriver) ReindexRecords(ctx context.Context, recs []*models.Record) error { return nil }
func (s *stubDriver) GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*FilterOptionsResponse, error) {
	return &FilterOptionsResponse{}, nil
}
func (s *stubDriver) Cleanup(ctx context.Context) error { return nil }
