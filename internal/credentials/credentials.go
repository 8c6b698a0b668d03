// Package credentials caches OAuth tokens per (org, user, connector)
// and refreshes them ahead of expiry so sync runs never race each other
// into the provider's token endpoint.
package credentials

import (
	"context"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/logger"
)

// refreshSkew is how long before expiry a cached token is treated as
// stale and refreshed.
const refreshSkew = 5 * time.Minute

const shardCount = 16

// Key identifies one credential: a user's grant on one connector
// instance of one org.
type Key struct {
	OrgID       string
	UserID      string
	ConnectorID string
}

// SourceFactory builds the underlying refreshing token source for a
// key, typically oauth2.Config.TokenSource over a stored refresh token.
type SourceFactory func(ctx context.Context, key Key) (oauth2.TokenSource, error)

type entry struct {
	source oauth2.TokenSource
	token  *oauth2.Token
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Manager is the sharded token cache. Shards keep unrelated keys from
// serializing behind one mutex during concurrent scope fan-out.
type Manager struct {
	factory SourceFactory
	shards  [shardCount]*shard
	log     logger.Logger
}

// NewManager creates a cache over the given source factory.
func NewManager(factory SourceFactory) *Manager {
	m := &Manager{factory: factory, log: logger.New("credentials")}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return m
}

func (m *Manager) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.OrgID))
	h.Write([]byte{0})
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.ConnectorID))
	return m.shards[h.Sum32()%shardCount]
}

// Token returns a valid access token for the key, refreshing when the
// cached one expires within the skew window. The shard lock is not held
// across the token endpoint call.
func (m *Manager) Token(ctx context.Context, key Key) (*oauth2.Token, error) {
	s := m.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.token != nil && time.Until(e.token.Expiry) > refreshSkew {
		tok := *e.token
		s.mu.Unlock()
		return &tok, nil
	}
	if !ok {
		source, err := m.factory(ctx, key)
		if err != nil {
			s.mu.Unlock()
			return nil, apperrors.Wrap(apperrors.KindAuth, "building token source", err)
		}
		e = &entry{source: source}
		s.entries[key] = e
	}
	source := e.source
	s.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		// A failed refresh usually means the grant was revoked. Evict so
		// the next attempt rebuilds from stored credentials instead of
		// retrying a dead source.
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		m.log.WithError(err).Warn("token refresh failed",
			logger.String("org_id", key.OrgID),
			logger.String("connector_id", key.ConnectorID))
		return nil, apperrors.Wrap(apperrors.KindAuth, "refreshing token", err)
	}

	s.mu.Lock()
	if cur, ok := s.entries[key]; ok {
		cur.token = tok
	}
	s.mu.Unlock()

	copied := *tok
	return &copied, nil
}

// Client returns an http.Client that injects the key's bearer token.
// The transport re-enters Token on each request, so long-lived clients
// pick up refreshes transparently.
func (m *Manager) Client(ctx context.Context, key Key) *http.Client {
	return oauth2.NewClient(ctx, managedSource{m: m, ctx: ctx, key: key})
}

// Invalidate drops the cached credential, used when a provider starts
// returning auth failures despite an apparently valid token.
func (m *Manager) Invalidate(key Key) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// managedSource adapts the manager to oauth2.TokenSource.
type managedSource struct {
	m   *Manager
	ctx context.Context
	key Key
}

func (s managedSource) Token() (*oauth2.Token, error) {
	return s.m.Token(s.ctx, s.key)
}

// StaticFactory returns a SourceFactory over a fixed oauth2.Config and
// a refresh-token lookup, the common wiring for connector instances
// configured with offline grants.
func StaticFactory(conf *oauth2.Config, lookup func(key Key) (refreshToken string, err error)) SourceFactory {
	return func(ctx context.Context, key Key) (oauth2.TokenSource, error) {
		refresh, err := lookup(key)
		if err != nil {
			return nil, err
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}), nil
	}
}
