package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingSource struct {
	calls atomic.Int32
	tok   *oauth2.Token
	err   error
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.tok, nil
}

func freshToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "at-1", Expiry: time.Now().Add(time.Hour)}
}

func TestTokenCachedUntilSkewWindow(t *testing.T) {
	src := &countingSource{tok: freshToken()}
	m := NewManager(func(ctx context.Context, key Key) (oauth2.TokenSource, error) {
		return src, nil
	})
	key := Key{OrgID: "org-1", UserID: "u-1", ConnectorID: "conn-1"}

	tok, err := m.Token(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)

	_, err = m.Token(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "second call must hit the cache")
}

func TestTokenRefreshesInsideSkewWindow(t *testing.T) {
	src := &countingSource{tok: &oauth2.Token{AccessToken: "at-old", Expiry: time.Now().Add(time.Minute)}}
	m := NewManager(func(ctx context.Context, key Key) (oauth2.TokenSource, error) {
		return src, nil
	})
	key := Key{OrgID: "org-1", UserID: "u-1", ConnectorID: "conn-1"}

	_, err := m.Token(context.Background(), key)
	require.NoError(t, err)
	_, err = m.Token(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "expiring token must be refreshed")
}

func TestTokenEvictsOnRefreshError(t *testing.T) {
	var factoryCalls atomic.Int32
	m := NewManager(func(ctx context.Context, key Key) (oauth2.TokenSource, error) {
		factoryCalls.Add(1)
		return &countingSource{err: errors.New("invalid_grant")}, nil
	})
	key := Key{OrgID: "org-1", UserID: "u-1", ConnectorID: "conn-1"}

	_, err := m.Token(context.Background(), key)
	require.Error(t, err)
	_, err = m.Token(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, int32(2), factoryCalls.Load(), "failed source must be evicted and rebuilt")
}

func TestInvalidateForcesRebuild(t *testing.T) {
	var factoryCalls atomic.Int32
	m := NewManager(func(ctx context.Context, key Key) (oauth2.TokenSource, error) {
		factoryCalls.Add(1)
		return &countingSource{tok: freshToken()}, nil
	})
	key := Key{OrgID: "org-1", UserID: "u-1", ConnectorID: "conn-1"}

	_, err := m.Token(context.Background(), key)
	require.NoError(t, err)

	m.Invalidate(key)
	_, err = m.Token(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), factoryCalls.Load())
}

func TestKeysDoNotShareEntries(t *testing.T) {
	var mu sync.Mutex
	built := map[Key]int{}
	m := NewManager(func(ctx context.Context, key Key) (oauth2.TokenSource, error) {
		mu.Lock()
		built[key]++
		mu.Unlock()
		return &countingSource{tok: freshToken()}, nil
	})

	k1 := Key{OrgID: "org-1", UserID: "u-1", ConnectorID: "conn-1"}
	k2 := Key{OrgID: "org-1", UserID: "u-2", ConnectorID: "conn-1"}

	_, err := m.Token(context.Background(), k1)
	require.NoError(t, err)
	_, err = m.Token(context.Background(), k2)
	require.NoError(t, err)

	assert.Equal(t, 1, built[k1])
	assert.Equal(t, 1, built[k2])
}
