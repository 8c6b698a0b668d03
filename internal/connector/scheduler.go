package connector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/catherinevee/syncmgr/internal/logger"
)

// Scheduler runs periodic incremental syncs per connector instance and
// accepts background triggers from the webhook intake. One run per
// instance at a time; overlapping triggers coalesce.
type Scheduler struct {
	registry *Registry
	log      logger.Logger

	mu       sync.Mutex
	running  map[string]bool
	pending  map[string]string // connectorID -> scope hint for the coalesced run
	triggers chan trigger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type trigger struct {
	connectorID  string
	scope        string
	full         bool
	notification *WebhookNotification
}

// NewScheduler creates a scheduler over the registry.
func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{
		registry: registry,
		log:      logger.New("scheduler"),
		running:  make(map[string]bool),
		pending:  make(map[string]string),
		triggers: make(chan trigger, 256),
	}
}

// Start launches the periodic tickers and the trigger worker.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.triggerLoop(runCtx)

	for _, d := range s.registry.All() {
		s.wg.Add(1)
		go s.tickLoop(runCtx, d)
	}
}

// Stop cancels all loops and waits for in-flight runs to finish their
// current batch.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// TriggerIncremental schedules a background incremental sync, used by
// the webhook intake after acknowledging a notification.
func (s *Scheduler) TriggerIncremental(connectorID, scope string) {
	select {
	case s.triggers <- trigger{connectorID: connectorID, scope: scope}:
	default:
		s.log.Warn("trigger queue full, dropping hint", logger.String("connector_id", connectorID))
	}
}

// TriggerWebhook hands a verified notification to the driver on the
// scheduler's worker, so intake handlers can return 200 immediately.
func (s *Scheduler) TriggerWebhook(connectorID string, n WebhookNotification) {
	select {
	case s.triggers <- trigger{connectorID: connectorID, scope: n.Scope, notification: &n}:
	default:
		s.log.Warn("trigger queue full, dropping hint", logger.String("connector_id", connectorID))
	}
}

// TriggerFull schedules a full sync.
func (s *Scheduler) TriggerFull(connectorID string) {
	select {
	case s.triggers <- trigger{connectorID: connectorID, full: true}:
	default:
		s.log.Warn("trigger queue full, dropping hint", logger.String("connector_id", connectorID))
	}
}

func (s *Scheduler) tickLoop(ctx context.Context, d Driver) {
	defer s.wg.Done()

	interval := time.Hour
	if bc, ok := d.(interface{ SyncInterval() time.Duration }); ok && bc.SyncInterval() > 0 {
		interval = bc.SyncInterval()
	}

	// Jitter spreads instance start times so connectors of one org do
	// not hammer their sources in lockstep.
	jitter := time.Duration(rand.Int63n(int64(interval) / 10))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.run(ctx, d.ID(), "", false)
			timer.Reset(interval)
		}
	}
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.triggers:
			s.runTrigger(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, connectorID, scope string, full bool) {
	s.runTrigger(ctx, trigger{connectorID: connectorID, scope: scope, full: full})
}

func (s *Scheduler) runTrigger(ctx context.Context, t trigger) {
	connectorID := t.connectorID
	d, ok := s.registry.Get(connectorID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.running[connectorID] {
		s.pending[connectorID] = t.scope
		s.mu.Unlock()
		return
	}
	s.running[connectorID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, connectorID)
		rerun, queued := s.pending[connectorID]
		delete(s.pending, connectorID)
		s.mu.Unlock()
		if queued && ctx.Err() == nil {
			s.TriggerIncremental(connectorID, rerun)
		}
	}()

	d.Stats().SyncStarted()
	var err error
	switch {
	case t.full:
		err = d.RunSync(ctx)
	case t.notification != nil:
		err = d.HandleWebhookNotification(ctx, *t.notification)
	default:
		err = d.RunIncrementalSync(ctx)
	}
	d.Stats().SyncFinished(err)
	if err != nil {
		s.log.WithError(err).Error("sync run failed", logger.String("connector_id", connectorID))
	}
}
