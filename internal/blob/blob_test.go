package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := RecordKey("org-1", "rec-1")
	require.NoError(t, s.Put(ctx, key, []byte(`{"blocks":[]}`)))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blocks":[]}`, string(data))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreGetMissing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), RecordKey("org-1", "absent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	err = s.Put(context.Background(), "../escape", []byte("x"))
	assert.Error(t, err)
}

func TestLocalStorePutOverwrites(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := RecordKey("org-1", "rec-1")
	require.NoError(t, s.Put(ctx, key, []byte("v1")))
	require.NoError(t, s.Put(ctx, key, []byte("v2")))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestRecordKeyLayout(t *testing.T) {
	assert.Equal(t, "org-1/records/rec-9.json", RecordKey("org-1", "rec-9"))
}
