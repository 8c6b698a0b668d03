package streamer

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/database"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// fakeDriver serves canned streams keyed by external record id.
type fakeDriver struct {
	id      string
	source  string
	streams map[string]string
	// missing external ids return a not-found error.
	requested []string
}

func (d *fakeDriver) ID() string     { return d.id }
func (d *fakeDriver) Name() string   { return d.id }
func (d *fakeDriver) Source() string { return d.source }

func (d *fakeDriver) Init(context.Context) error                { return nil }
func (d *fakeDriver) RunSync(context.Context) error             { return nil }
func (d *fakeDriver) RunIncrementalSync(context.Context) error  { return nil }
func (d *fakeDriver) TestConnectionAndAccess(context.Context) error {
	return nil
}
func (d *fakeDriver) HandleWebhookNotification(context.Context, connector.WebhookNotification) error {
	return nil
}

func (d *fakeDriver) StreamRecord(_ context.Context, rec *models.Record, _ string) (*connector.StreamResponse, error) {
	d.requested = append(d.requested, rec.ExternalRecordID)
	body, ok := d.streams[rec.ExternalRecordID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "no such entity: "+rec.ExternalRecordID)
	}
	return &connector.StreamResponse{
		ContentType: "application/octet-stream",
		Disposition: `attachment; filename="x"`,
		Body:        io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (d *fakeDriver) GetSignedURL(context.Context, *models.Record) (string, error) {
	return "", apperrors.New(apperrors.KindValidation, "unsupported")
}
func (d *fakeDriver) ReindexRecords(context.Context, []*models.Record) error { return nil }
func (d *fakeDriver) GetFilterOptions(context.Context, string, int, int, string, string) (*connector.FilterOptionsResponse, error) {
	return &connector.FilterOptionsResponse{}, nil
}
func (d *fakeDriver) Cleanup(context.Context) error     { return nil }
func (d *fakeDriver) AuthStatus() connector.AuthStatus  { return connector.AuthOK }
func (d *fakeDriver) Stats() *connector.Stats           { return &connector.Stats{} }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "streamer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSQLiteStore(db)
}

func insertRecords(t *testing.T, st store.Store, recs ...*models.Record) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.BatchUpsertRecords(recs))
	require.NoError(t, tx.Commit())
}

func mailRecord(connectorID, externalID, imid string) *models.Record {
	return &models.Record{
		Base: models.Base{
			OrgID:            "org-1",
			ConnectorID:      connectorID,
			ExternalRecordID: externalID,
		},
		RecordName: "msg " + externalID,
		RecordType: models.RecordTypeMail,
		Mail:       &models.MailRecord{ThreadID: "t1", Subject: "s", FromEmail: "a@b.c", InternetMessageID: imid},
	}
}

func attachmentRecord(connectorID, externalID string) *models.Record {
	return &models.Record{
		Base: models.Base{
			OrgID:            "org-1",
			ConnectorID:      connectorID,
			ExternalRecordID: externalID,
		},
		RecordName:       "report.xlsx",
		RecordType:       models.RecordTypeFile,
		ParentExternalID: strings.SplitN(externalID, "_", 2)[0],
		ParentRecordType: models.RecordTypeMail,
		IsDependentNode:  true,
		File:             &models.FileRecord{IsFile: true, Extension: "xlsx"},
	}
}

func newTestStreamer(t *testing.T, drivers ...connector.Driver) (*Streamer, store.Store) {
	t.Helper()
	reg := connector.NewRegistry()
	for _, d := range drivers {
		require.NoError(t, reg.Add(d))
	}
	st := newTestStore(t)
	return New(reg, st, config.StreamerConfig{}), st
}

func TestStreamDelegatesToOwningConnector(t *testing.T) {
	gmail := &fakeDriver{id: "gm-1", source: "gmail", streams: map[string]string{"msgA": "raw mail"}}
	s, st := newTestStreamer(t, gmail)

	rec := mailRecord("gm-1", "msgA", "<m1@example.com>")
	insertRecords(t, st, rec)

	resp, err := s.Stream(context.Background(), rec.ID, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "raw mail", string(data))
}

func TestStreamUnknownRecordReturnsNotFound(t *testing.T) {
	s, _ := newTestStreamer(t, &fakeDriver{id: "gm-1", source: "gmail"})

	_, err := s.Stream(context.Background(), "no-such-id", "")
	require.Error(t, err)
}

func TestGmailAttachmentFallsBackToSibling(t *testing.T) {
	gmail := &fakeDriver{id: "gm-1", source: "gmail", streams: map[string]string{
		// msgA is gone at the source; msgB carries the same part.
		"msgB_part2": "attachment bytes",
		"msgB":       "raw mail",
	}}
	s, st := newTestStreamer(t, gmail)

	att := attachmentRecord("gm-1", "msgA_part2")
	insertRecords(t, st,
		mailRecord("gm-1", "msgA", "<m1@example.com>"),
		mailRecord("gm-1", "msgB", "<m1@example.com>"),
		att)

	resp, err := s.Stream(context.Background(), att.ID, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "attachment bytes", string(data))
	assert.Contains(t, gmail.requested, "msgA_part2")
	assert.Contains(t, gmail.requested, "msgB_part2")
}

func TestGmailAttachmentFallsBackToDrive(t *testing.T) {
	gmail := &fakeDriver{id: "gm-1", source: "gmail", streams: map[string]string{}}
	drive := &fakeDriver{id: "gd-1", source: "googledrive", streams: map[string]string{
		"msgA_part2": "drive bytes",
	}}
	s, st := newTestStreamer(t, gmail, drive)

	att := attachmentRecord("gm-1", "msgA_part2")
	insertRecords(t, st,
		mailRecord("gm-1", "msgA", "<m1@example.com>"),
		att)

	resp, err := s.Stream(context.Background(), att.ID, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "drive bytes", string(data))
}

func TestGmailAttachmentAllPathsFailSurfacesInternal(t *testing.T) {
	gmail := &fakeDriver{id: "gm-1", source: "gmail", streams: map[string]string{}}
	s, st := newTestStreamer(t, gmail)

	att := attachmentRecord("gm-1", "msgA_part2")
	insertRecords(t, st,
		mailRecord("gm-1", "msgA", "<m1@example.com>"),
		att)

	_, err := s.Stream(context.Background(), att.ID, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInternal))
}

func TestMailWithoutInternetMessageIDSkipsSiblingWalk(t *testing.T) {
	gmail := &fakeDriver{id: "gm-1", source: "gmail", streams: map[string]string{}}
	s, st := newTestStreamer(t, gmail)

	att := attachmentRecord("gm-1", "msgA_part2")
	insertRecords(t, st,
		mailRecord("gm-1", "msgA", ""),
		att)

	_, err := s.Stream(context.Background(), att.ID, "")
	require.Error(t, err)
	// Only the original attempt reached the connector.
	assert.Equal(t, []string{"msgA_part2"}, gmail.requested)
}

func TestInputFileNameSanitizesPaths(t *testing.T) {
	assert.Equal(t, "report.docx", inputFileName("../../report.docx"))
	assert.Equal(t, "report.docx", inputFileName(`C:\tmp\report.docx`))
	assert.Equal(t, "document", inputFileName(""))
	assert.Equal(t, "report.pdf", pdfFileName("report.docx"))
}
