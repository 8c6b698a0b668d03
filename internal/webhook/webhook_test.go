package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
)

type recordingTrigger struct {
	fired []connector.WebhookNotification
	ids   []string
}

func (r *recordingTrigger) TriggerWebhook(connectorID string, n connector.WebhookNotification) {
	r.ids = append(r.ids, connectorID)
	r.fired = append(r.fired, n)
}

func newTestIntake(connectors ...config.ConnectorConfig) (*Intake, *recordingTrigger) {
	trig := &recordingTrigger{}
	return NewIntake(trig, connectors), trig
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestDropboxChallengeEchoed(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "db-1", Source: "dropbox", WebhookSecret: "s3cret"})

	req := httptest.NewRequest("GET", "/dropbox/webhook?challenge=abc123", nil)
	w := httptest.NewRecorder()
	intake.Handle("dropbox", w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
	assert.Empty(t, trig.fired)
}

func TestDropboxValidSignatureTriggersSync(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "db-1", Source: "dropbox", WebhookSecret: "s3cret"})

	body := `{"list_folder":{"accounts":["dbid:abc"]}}`
	req := httptest.NewRequest("POST", "/dropbox/webhook", strings.NewReader(body))
	req.Header.Set("X-Dropbox-Signature", sign("s3cret", []byte(body)))
	w := httptest.NewRecorder()
	intake.Handle("dropbox", w, req)

	assert.Equal(t, 200, w.Code)
	require.Len(t, trig.fired, 1)
	assert.Equal(t, "db-1", trig.ids[0])
	assert.Equal(t, "dropbox", trig.fired[0].Provider)
}

func TestDropboxBadSignatureRejected(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "db-1", Source: "dropbox", WebhookSecret: "s3cret"})

	req := httptest.NewRequest("POST", "/dropbox/webhook", strings.NewReader("{}"))
	req.Header.Set("X-Dropbox-Signature", "deadbeef")
	w := httptest.NewRecorder()
	intake.Handle("dropbox", w, req)

	assert.Equal(t, 403, w.Code)
	assert.Empty(t, trig.fired)
}

func TestDrivePushSyncMessageAckedWithoutTrigger(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "gd-1", Source: "googledrive", WebhookSecret: "tok"})

	req := httptest.NewRequest("POST", "/googledrive/webhook", nil)
	req.Header.Set("X-Goog-Channel-Token", "tok")
	req.Header.Set("X-Goog-Resource-State", "sync")
	w := httptest.NewRecorder()
	intake.Handle("googledrive", w, req)

	assert.Equal(t, 200, w.Code)
	assert.Empty(t, trig.fired)
}

func TestDrivePushChangeTriggersSync(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "gd-1", Source: "googledrive", WebhookSecret: "tok"})

	req := httptest.NewRequest("POST", "/googledrive/webhook", nil)
	req.Header.Set("X-Goog-Channel-Token", "tok")
	req.Header.Set("X-Goog-Resource-State", "change")
	w := httptest.NewRecorder()
	intake.Handle("googledrive", w, req)

	assert.Equal(t, 200, w.Code)
	require.Len(t, trig.fired, 1)
	assert.Equal(t, "googledrive", trig.fired[0].Provider)
}

func TestDrivePushWrongTokenRejected(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "gd-1", Source: "googledrive", WebhookSecret: "tok"})

	req := httptest.NewRequest("POST", "/googledrive/webhook", nil)
	req.Header.Set("X-Goog-Channel-Token", "wrong")
	w := httptest.NewRecorder()
	intake.Handle("googledrive", w, req)

	assert.Equal(t, 403, w.Code)
	assert.Empty(t, trig.fired)
}

func TestGmailPubSubEnvelopeDecoded(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "gm-1", Source: "gmail", WebhookSecret: "push-token"})

	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"u@example.com","historyId":4711}`))
	body := `{"message":{"data":"` + data + `","messageId":"m-1"},"subscription":"sub"}`
	req := httptest.NewRequest("POST", "/gmail/webhook?token=push-token", strings.NewReader(body))
	w := httptest.NewRecorder()
	intake.Handle("gmail", w, req)

	assert.Equal(t, 200, w.Code)
	require.Len(t, trig.fired, 1)
	assert.Contains(t, string(trig.fired[0].Payload), "u@example.com")
}

func TestGmailMalformedEnvelopeAcked(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "gm-1", Source: "gmail"})

	req := httptest.NewRequest("POST", "/gmail/webhook", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	intake.Handle("gmail", w, req)

	// Acked so Pub/Sub does not redeliver forever.
	assert.Equal(t, 200, w.Code)
	assert.Empty(t, trig.fired)
}

func TestLinearSignatureAndTeamScope(t *testing.T) {
	intake, trig := newTestIntake(config.ConnectorConfig{ID: "ln-1", Source: "linear", WebhookSecret: "lin-secret"})

	body := `{"action":"update","type":"Issue","data":{"teamId":"team-9"}}`
	req := httptest.NewRequest("POST", "/linear/webhook", strings.NewReader(body))
	req.Header.Set("Linear-Signature", sign("lin-secret", []byte(body)))
	w := httptest.NewRecorder()
	intake.Handle("linear", w, req)

	assert.Equal(t, 200, w.Code)
	require.Len(t, trig.fired, 1)
	assert.Equal(t, "team-9", trig.fired[0].Scope)
}

func TestUnknownProviderIs404(t *testing.T) {
	intake, trig := newTestIntake()

	req := httptest.NewRequest("POST", "/nope/webhook", nil)
	w := httptest.NewRecorder()
	intake.Handle("nope", w, req)

	assert.Equal(t, 404, w.Code)
	assert.Empty(t, trig.fired)
}

func TestVerifyHMACHexAcceptsPrefixed(t *testing.T) {
	body := []byte("payload")
	assert.True(t, verifyHMACHex("k", body, sign("k", body)))
	assert.True(t, verifyHMACHex("k", body, "sha256="+sign("k", body)))
	assert.False(t, verifyHMACHex("k", body, sign("other", body)))
	assert.False(t, verifyHMACHex("", body, sign("", body)))
}
