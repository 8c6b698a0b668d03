package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/blob"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/database"
	"github.com/catherinevee/syncmgr/internal/health"
	"github.com/catherinevee/syncmgr/internal/retrieval"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/internal/streamer"
	"github.com/catherinevee/syncmgr/internal/telemetry"
	"github.com/catherinevee/syncmgr/internal/webhook"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// fakeDriver serves canned streams and filter options.
type fakeDriver struct {
	id      string
	source  string
	auth    connector.AuthStatus
	streams map[string]string
	stats   *connector.Stats

	reindexed []string
}

func (d *fakeDriver) ID() string     { return d.id }
func (d *fakeDriver) Name() string   { return d.id }
func (d *fakeDriver) Source() string { return d.source }

func (d *fakeDriver) Init(context.Context) error                    { return nil }
func (d *fakeDriver) RunSync(context.Context) error                 { return nil }
func (d *fakeDriver) RunIncrementalSync(context.Context) error      { return nil }
func (d *fakeDriver) TestConnectionAndAccess(context.Context) error { return nil }
func (d *fakeDriver) HandleWebhookNotification(context.Context, connector.WebhookNotification) error {
	return nil
}

func (d *fakeDriver) StreamRecord(_ context.Context, rec *models.Record, _ string) (*connector.StreamResponse, error) {
	body, ok := d.streams[rec.ExternalRecordID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "no such entity: "+rec.ExternalRecordID)
	}
	return &connector.StreamResponse{
		ContentType: "text/plain",
		Disposition: `attachment; filename="a.txt"`,
		Body:        io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (d *fakeDriver) GetSignedURL(context.Context, *models.Record) (string, error) {
	return "", apperrors.New(apperrors.KindValidation, "unsupported")
}

func (d *fakeDriver) ReindexRecords(_ context.Context, recs []*models.Record) error {
	for _, r := range recs {
		d.reindexed = append(d.reindexed, r.ID)
	}
	return nil
}

func (d *fakeDriver) GetFilterOptions(_ context.Context, key string, page, limit int, search, cursor string) (*connector.FilterOptionsResponse, error) {
	return &connector.FilterOptionsResponse{
		Options: []connector.FilterOption{{ID: key + "-1", Name: key}},
	}, nil
}

func (d *fakeDriver) Cleanup(context.Context) error { return nil }

func (d *fakeDriver) AuthStatus() connector.AuthStatus {
	if d.auth == "" {
		return connector.AuthOK
	}
	return d.auth
}

func (d *fakeDriver) Stats() *connector.Stats {
	if d.stats == nil {
		d.stats = connector.NewStats()
	}
	return d.stats
}

func newTestServer(t *testing.T, drivers ...connector.Driver) (*Server, store.Store, blob.Store) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewSQLiteStore(db)

	reg := connector.NewRegistry()
	for _, d := range drivers {
		require.NoError(t, reg.Add(d))
	}
	sched := connector.NewScheduler(reg)

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	signer, err := NewSigner(config.SigningConfig{Secrets: []string{"test-secret"}})
	require.NoError(t, err)

	srv := NewServer(Deps{
		Registry:  reg,
		Scheduler: sched,
		Intake:    webhook.NewIntake(sched, nil),
		Streamer:  streamer.New(reg, st, config.StreamerConfig{}),
		Assembler: retrieval.New(blobs, config.RetrievalConfig{TokenCeiling: 24000, LargeTableWords: 700}),
		Signer:    signer,
		Health:    health.New(reg, st),
		Metrics:   telemetry.New(),
		Store:     st,
	})
	return srv, st, blobs
}

func insertRecord(t *testing.T, st store.Store, rec *models.Record) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.BatchUpsertRecords([]*models.Record{rec}))
	require.NoError(t, tx.Commit())
}

func fileRecord(connectorID, externalID string) *models.Record {
	return &models.Record{
		Base: models.Base{
			OrgID:            "org-1",
			ConnectorID:      connectorID,
			ExternalRecordID: externalID,
		},
		RecordName: externalID,
		RecordType: models.RecordTypeFile,
		File:       &models.FileRecord{IsFile: true, Extension: "txt"},
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSignedURLRoundTrip(t *testing.T) {
	d := &fakeDriver{id: "db-1", source: "dropbox", streams: map[string]string{"f1": "file bytes"}}
	srv, st, _ := newTestServer(t, d)
	router := srv.Router()

	rec := fileRecord("db-1", "f1")
	insertRecord(t, st, rec)

	w := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/records/%s/signed-url", rec.ID),
		map[string]interface{}{"user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	w = doJSON(t, router, http.MethodGet, resp.URL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "file bytes", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestStreamRejectsBadToken(t *testing.T) {
	d := &fakeDriver{id: "db-1", source: "dropbox", streams: map[string]string{"f1": "x"}}
	srv, st, _ := newTestServer(t, d)
	router := srv.Router()

	rec := fileRecord("db-1", "f1")
	insertRecord(t, st, rec)

	w := doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/api/v1/records/%s/stream?token=garbage", rec.ID), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamRejectsTokenForOtherRecord(t *testing.T) {
	d := &fakeDriver{id: "db-1", source: "dropbox", streams: map[string]string{"f1": "x", "f2": "y"}}
	srv, st, _ := newTestServer(t, d)
	router := srv.Router()

	rec1 := fileRecord("db-1", "f1")
	rec2 := fileRecord("db-1", "f2")
	insertRecord(t, st, rec1)
	insertRecord(t, st, rec2)

	token, err := srv.signer.Sign(StreamClaims{OrgID: "org-1", RecordID: rec1.ID, UserID: "u1", Connector: "db-1"})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/api/v1/records/%s/stream?token=%s", rec2.ID, token), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthReportsConnectors(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeDriver{id: "db-1", source: "dropbox"})
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rep health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "ok", rep.Status)
	require.Len(t, rep.Connectors, 1)
	assert.Equal(t, "db-1", rep.Connectors[0].ID)
}

func TestHealthDegradesOnReauth(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeDriver{id: "db-1", source: "dropbox", auth: connector.AuthNeedsReauth})
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var rep health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "degraded", rep.Status)
}

func TestTriggerSyncUnknownConnector(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/connectors/nope/sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerSyncSchedulesRun(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeDriver{id: "db-1", source: "dropbox"})
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/connectors/db-1/sync", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestFilterOptionsPassthrough(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeDriver{id: "ln-1", source: "linear"})
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/api/v1/connectors/ln-1/filters/teams/options?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp connector.FilterOptionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Options, 1)
	assert.Equal(t, "teams-1", resp.Options[0].ID)
}

func TestReindexLoadsRecordsAndDispatches(t *testing.T) {
	d := &fakeDriver{id: "db-1", source: "dropbox"}
	srv, st, _ := newTestServer(t, d)
	router := srv.Router()

	rec := fileRecord("db-1", "f1")
	insertRecord(t, st, rec)

	w := doJSON(t, router, http.MethodPost, "/api/v1/connectors/db-1/reindex",
		map[string]interface{}{"record_ids": []string{rec.ID}})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{rec.ID}, d.reindexed)
}

func TestAssembleEndpoint(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	router := srv.Router()

	rb := models.RecordBlob{
		VirtualRecordID: "vr1",
		RecordName:      "notes.txt",
		Blocks: []models.Block{
			{Index: 0, Type: models.BlockText, Text: "first paragraph"},
			{Index: 1, Type: models.BlockText, Text: "second paragraph"},
		},
	}
	data, err := json.Marshal(rb)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(context.Background(), blob.RecordKey("org-1", "vr1"), data))

	w := doJSON(t, router, http.MethodPost, "/api/v1/retrieval/assemble", map[string]interface{}{
		"org_id": "org-1",
		"query":  "what do the notes say?",
		"hits": []map[string]interface{}{
			{"virtual_record_id": "vr1", "block_index": 0, "score": 0.9},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RecordOrder []string `json:"record_order"`
		TokenCount  int      `json:"token_count"`
		OverBudget  bool     `json:"over_budget"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"vr1"}, resp.RecordOrder)
	assert.Greater(t, resp.TokenCount, 0)
	assert.False(t, resp.OverBudget)
	assert.Contains(t, w.Body.String(), "[R1-0]")
}

func TestDropboxWebhookChallengeEcho(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/dropbox/webhook?challenge=abc123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
}
