package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
)

// Base carries the pieces every driver shares: identity, rate limiter,
// sync points, the entity processor, filters, stats and logging.
// Drivers embed it and implement the source-specific fetch logic.
type Base struct {
	id     string
	orgID  string
	name   string
	source string

	Config     config.ConnectorConfig
	Limiter    *RateLimiter
	SyncPoints syncpoint.Manager
	Processor  *processor.Processor
	Filters    *filtering.Engine
	Log        logger.Logger

	stats *Stats

	authMu     sync.RWMutex
	authStatus AuthStatus
}

// NewBase wires the shared runtime for one connector instance.
func NewBase(cfg config.ConnectorConfig, points syncpoint.Manager, proc *processor.Processor, filters *filtering.Engine) *Base {
	return &Base{
		id:         cfg.ID,
		orgID:      cfg.OrgID,
		name:       cfg.Name,
		source:     cfg.Source,
		Config:     cfg,
		Limiter:    NewRateLimiter(cfg.RequestsPerSecond, cfg.RequestBurst),
		SyncPoints: points,
		Processor:  proc,
		Filters:    filters,
		Log: logger.New("connector").WithFields(
			logger.String("connector_id", cfg.ID),
			logger.String("source", cfg.Source)),
		stats:      NewStats(),
		authStatus: AuthOK,
	}
}

func (b *Base) ID() string     { return b.id }
func (b *Base) Name() string   { return b.name }
func (b *Base) Source() string { return b.source }
func (b *Base) OrgID() string  { return b.orgID }

// Stats returns the run statistics for the health endpoint.
func (b *Base) Stats() *Stats { return b.stats }

// SyncInterval returns the configured periodic sync interval.
func (b *Base) SyncInterval() time.Duration { return b.Config.SyncInterval }

// AuthStatus returns the current credential state.
func (b *Base) AuthStatus() AuthStatus {
	b.authMu.RLock()
	defer b.authMu.RUnlock()
	return b.authStatus
}

// MarkNeedsReauth flags the connector after an auth failure; the run
// stops and the state surfaces via the health endpoint.
func (b *Base) MarkNeedsReauth() {
	b.authMu.Lock()
	b.authStatus = AuthNeedsReauth
	b.authMu.Unlock()
}

// MarkAuthOK restores the credential state after a successful call.
func (b *Base) MarkAuthOK() {
	b.authMu.Lock()
	b.authStatus = AuthOK
	b.authMu.Unlock()
}

// Batch accumulates (record, permissions) tuples up to the configured
// batch size and submits them to the entity processor in one call. The
// onFlush callback runs after each durably accepted submission, which
// is where pattern implementations advance their checkpoint.
type Batch struct {
	base    *Base
	size    int
	tuples  []processor.RecordWithPermissions
	onFlush func(ctx context.Context, res processor.Result) error
}

// NewBatch creates a batcher. onFlush may be nil.
func (b *Base) NewBatch(onFlush func(ctx context.Context, res processor.Result) error) *Batch {
	size := b.Config.BatchSize
	if size <= 0 {
		size = 50
	}
	return &Batch{base: b, size: size, onFlush: onFlush}
}

// Add appends one tuple, flushing when the batch is full.
func (bt *Batch) Add(ctx context.Context, tup processor.RecordWithPermissions) error {
	bt.tuples = append(bt.tuples, tup)
	if len(bt.tuples) >= bt.size {
		return bt.Flush(ctx)
	}
	return nil
}

// Flush submits the accumulated tuples. The batch boundary is also a
// cancellation point: an in-flight batch finishes before cancellation
// is acknowledged.
func (bt *Batch) Flush(ctx context.Context) error {
	if len(bt.tuples) == 0 {
		return nil
	}
	tuples := bt.tuples
	bt.tuples = nil

	res, err := bt.base.Processor.OnNewRecords(ctx, tuples)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "batch submission failed", err)
	}
	bt.base.stats.Observe(res)

	if bt.onFlush != nil {
		if err := bt.onFlush(ctx, res); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Len returns the number of buffered tuples.
func (bt *Batch) Len() int { return len(bt.tuples) }

// RunScopes fans scope syncs out over a bounded worker pool. Each scope
// has its own sync point, so partial progress survives failures. An
// auth error cancels the remaining scopes and aborts the run; other
// scope errors are collected and the rest continue.
func (b *Base) RunScopes(ctx context.Context, scopes []string, fn func(ctx context.Context, scope string) error) error {
	maxConcurrent := b.Config.MaxConcurrentBatches
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, scope := range scopes {
		if b.Filters != nil && !b.Filters.ScopeAllowed(scope) {
			continue
		}
		if runCtx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(scope string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(runCtx, scope); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				if apperrors.Is(err, apperrors.KindAuth) {
					b.MarkNeedsReauth()
					cancel()
				} else {
					b.Log.WithError(err).Warn("scope sync failed", logger.String("scope", scope))
				}
			}
		}(scope)
	}
	wg.Wait()

	for _, err := range errs {
		if apperrors.Is(err, apperrors.KindAuth) {
			return err
		}
	}
	return errors.Join(errs...)
}
