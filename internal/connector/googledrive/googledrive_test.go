package googledrive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/database"
	"github.com/catherinevee/syncmgr/internal/events"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/pkg/models"
)

type driveFile struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime time.Time
	Size         int64
	OwnerEmail   string
}

func (f driveFile) json() map[string]interface{} {
	return map[string]interface{}{
		"id":           f.ID,
		"name":         f.Name,
		"mimeType":     f.MimeType,
		"createdTime":  f.ModifiedTime.Format(time.RFC3339),
		"modifiedTime": f.ModifiedTime.Format(time.RFC3339),
		"size":         strconv.FormatInt(f.Size, 10),
		"permissions": []map[string]string{
			{"type": "user", "emailAddress": f.OwnerEmail, "role": "owner"},
		},
	}
}

// mockDrive serves the subset of the Drive REST surface the connector
// touches and records the request order.
type mockDrive struct {
	mu         sync.Mutex
	files      []driveFile
	startToken string
	changes    map[string]map[string]interface{}
	badTokens  map[string]bool
	calls      []string
}

func (m *mockDrive) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/about"):
			m.calls = append(m.calls, "about")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"user": map[string]string{
					"emailAddress": "u@example.com",
					"displayName":  "User U",
					"permissionId": "perm-u",
				},
			})
		case strings.HasSuffix(r.URL.Path, "/drives"):
			m.calls = append(m.calls, "drives")
			json.NewEncoder(w).Encode(map[string]interface{}{"drives": []interface{}{}})
		case strings.HasSuffix(r.URL.Path, "/changes/startPageToken"):
			m.calls = append(m.calls, "startPageToken")
			json.NewEncoder(w).Encode(map[string]string{"startPageToken": m.startToken})
		case strings.HasSuffix(r.URL.Path, "/changes"):
			token := r.URL.Query().Get("pageToken")
			m.calls = append(m.calls, "changes:"+token)
			if m.badTokens[token] {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"code":    400,
						"message": "Invalid value for page token",
					},
				})
				return
			}
			page, ok := m.changes[token]
			if !ok {
				page = map[string]interface{}{"changes": []interface{}{}, "newStartPageToken": token}
			}
			json.NewEncoder(w).Encode(page)
		case strings.HasSuffix(r.URL.Path, "/files"):
			m.calls = append(m.calls, "files")
			out := make([]interface{}, 0, len(m.files))
			for _, f := range m.files {
				out = append(out, f.json())
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"files": out})
		default:
			http.NotFound(w, r)
		}
	})
}

type harness struct {
	conn   *Connector
	st     *store.SQLiteStore
	points syncpoint.Manager
	api    *mockDrive
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &mockDrive{
		startToken: "100",
		changes:    map[string]map[string]interface{}{},
		badTokens:  map[string]bool{},
	}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	db, err := database.Open(filepath.Join(t.TempDir(), "drive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.ConnectorConfig{
		ID:                "conn-gd",
		OrgID:             "org-1",
		Name:              "acme-drive",
		Source:            "googledrive",
		BatchSize:         50,
		RequestsPerSecond: 1000,
	}

	st := store.NewSQLiteStore(db)
	filters := filtering.NewEngine(cfg.Filters)
	proc := processor.New(st, events.NewBus(), filters, cfg.OrgID, cfg.ID, cfg.Name)
	points := syncpoint.NewSQLiteManager(db, cfg.ID, cfg.OrgID, "records_sync_point")

	conn, err := New(context.Background(), cfg, Deps{
		SyncPoints: points,
		Processor:  proc,
		Filters:    filters,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(srv.URL + "/"),
			option.WithHTTPClient(srv.Client()),
		},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Init(context.Background()))
	return &harness{conn: conn, st: st, points: points, api: api}
}

func (h *harness) record(t *testing.T, externalID string) *models.Record {
	t.Helper()
	rec, err := h.st.GetRecordByExternalID(context.Background(), "conn-gd", externalID)
	require.NoError(t, err)
	return rec
}

func TestBootstrapTakesTokenBeforeListing(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC().Truncate(time.Second)
	h.api.files = []driveFile{
		{ID: "f1", Name: "doc.pdf", MimeType: "application/pdf", ModifiedTime: now, Size: 100, OwnerEmail: "u@example.com"},
		{ID: "f2", Name: "img.png", MimeType: "image/png", ModifiedTime: now, Size: 200, OwnerEmail: "u@example.com"},
	}

	require.NoError(t, h.conn.RunSync(context.Background()))

	// The token must be captured before the listing starts so events
	// during the bootstrap replay afterwards.
	tokenIdx, filesIdx := -1, -1
	for i, call := range h.api.calls {
		if call == "startPageToken" && tokenIdx == -1 {
			tokenIdx = i
		}
		if call == "files" && filesIdx == -1 {
			filesIdx = i
		}
	}
	require.NotEqual(t, -1, tokenIdx)
	require.NotEqual(t, -1, filesIdx)
	assert.Less(t, tokenIdx, filesIdx)

	for _, id := range []string{"f1", "f2"} {
		rec := h.record(t, id)
		require.NotNil(t, rec, id)
		assert.Equal(t, int64(0), rec.Version)
	}

	sp, err := h.points.Read(context.Background(), myDriveScope)
	require.NoError(t, err)
	assert.Equal(t, "100", sp.Cursor())
}

func TestIncrementalDrainsChangesFeed(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC().Truncate(time.Second)
	h.api.files = []driveFile{
		{ID: "f1", Name: "doc.pdf", MimeType: "application/pdf", ModifiedTime: now, Size: 100, OwnerEmail: "u@example.com"},
	}
	require.NoError(t, h.conn.RunSync(context.Background()))

	updated := driveFile{ID: "f1", Name: "doc-v2.pdf", MimeType: "application/pdf", ModifiedTime: now.Add(time.Minute), Size: 120, OwnerEmail: "u@example.com"}
	h.api.mu.Lock()
	h.api.changes["100"] = map[string]interface{}{
		"changes":           []interface{}{map[string]interface{}{"fileId": "f1", "file": updated.json()}},
		"newStartPageToken": "101",
	}
	h.api.mu.Unlock()

	require.NoError(t, h.conn.RunIncrementalSync(context.Background()))

	rec := h.record(t, "f1")
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "doc-v2.pdf", rec.RecordName)

	sp, err := h.points.Read(context.Background(), myDriveScope)
	require.NoError(t, err)
	assert.Equal(t, "101", sp.Cursor())
}

func TestRemovedChangeDeletesRecord(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC().Truncate(time.Second)
	h.api.files = []driveFile{
		{ID: "f1", Name: "doc.pdf", MimeType: "application/pdf", ModifiedTime: now, Size: 100, OwnerEmail: "u@example.com"},
	}
	require.NoError(t, h.conn.RunSync(context.Background()))

	h.api.mu.Lock()
	h.api.changes["100"] = map[string]interface{}{
		"changes":           []interface{}{map[string]interface{}{"fileId": "f1", "removed": true}},
		"newStartPageToken": "101",
	}
	h.api.mu.Unlock()

	require.NoError(t, h.conn.RunIncrementalSync(context.Background()))
	assert.Nil(t, h.record(t, "f1"))
}

func TestExpiredTokenFallsBackToFullSync(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC().Truncate(time.Second)
	h.api.files = []driveFile{
		{ID: "f1", Name: "doc.pdf", MimeType: "application/pdf", ModifiedTime: now, Size: 100, OwnerEmail: "u@example.com"},
	}
	require.NoError(t, h.conn.RunSync(context.Background()))

	h.api.mu.Lock()
	h.api.badTokens["100"] = true
	h.api.startToken = "200"
	h.api.files = append(h.api.files, driveFile{
		ID: "f2", Name: "new.txt", MimeType: "text/plain", ModifiedTime: now.Add(time.Minute), Size: 10, OwnerEmail: "u@example.com",
	})
	h.api.mu.Unlock()

	require.NoError(t, h.conn.RunIncrementalSync(context.Background()))

	require.NotNil(t, h.record(t, "f2"), "full resync must pick up the new file")
	sp, err := h.points.Read(context.Background(), myDriveScope)
	require.NoError(t, err)
	assert.Equal(t, "200", sp.Cursor())
}
