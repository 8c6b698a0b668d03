// Package webhook verifies inbound change notifications from the
// source providers and converts them into background sync triggers.
// Handlers return 200 fast; notifications are hints only, the durable
// truth is the checkpointed sync that follows, so replays are harmless.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/logger"
)

const maxBodyBytes = 1 << 20

// Trigger is the scheduler surface the intake needs.
type Trigger interface {
	TriggerWebhook(connectorID string, n connector.WebhookNotification)
}

// instance is one configured connector an intake route fans out to.
type instance struct {
	id     string
	secret string
}

// Intake routes provider webhooks to the connectors configured for that
// source.
type Intake struct {
	scheduler Trigger
	bySource  map[string][]instance
	log       logger.Logger
}

// NewIntake builds the intake from the connector configuration.
func NewIntake(scheduler Trigger, connectors []config.ConnectorConfig) *Intake {
	bySource := make(map[string][]instance)
	for _, cc := range connectors {
		bySource[cc.Source] = append(bySource[cc.Source], instance{id: cc.ID, secret: cc.WebhookSecret})
	}
	return &Intake{
		scheduler: scheduler,
		bySource:  bySource,
		log:       logger.New("webhook"),
	}
}

// Handle processes POST /{provider}/webhook. Verification is
// provider-specific; a verified notification is acknowledged with 200
// before any sync work happens.
func (i *Intake) Handle(provider string, w http.ResponseWriter, r *http.Request) {
	switch provider {
	case "dropbox":
		i.handleDropbox(w, r)
	case "googledrive":
		i.handleDrivePush(w, r)
	case "gmail":
		i.handleGmailPubSub(w, r)
	case "linear":
		i.handleLinear(w, r)
	default:
		http.Error(w, "unknown provider", http.StatusNotFound)
	}
}

// handleDropbox answers the GET verification challenge and verifies the
// POST body signature with the app secret.
func (i *Intake) handleDropbox(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		challenge := r.URL.Query().Get("challenge")
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		io.WriteString(w, challenge)
		return
	}

	body, ok := i.readBody(w, r)
	if !ok {
		return
	}
	sig := r.Header.Get("X-Dropbox-Signature")

	matched := false
	for _, inst := range i.bySource["dropbox"] {
		if !verifyHMACHex(inst.secret, body, sig) {
			continue
		}
		matched = true
		i.scheduler.TriggerWebhook(inst.id, connector.WebhookNotification{
			Provider: "dropbox",
			Payload:  body,
		})
	}
	if !matched {
		i.log.Warn("dropbox webhook signature did not match any instance")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDrivePush verifies the channel token on a Drive push
// notification. "sync" messages just confirm the channel.
func (i *Intake) handleDrivePush(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Goog-Channel-Token")
	state := r.Header.Get("X-Goog-Resource-State")

	matched := false
	for _, inst := range i.bySource["googledrive"] {
		if inst.secret != "" && inst.secret != token {
			continue
		}
		matched = true
		if state == "sync" {
			continue
		}
		i.scheduler.TriggerWebhook(inst.id, connector.WebhookNotification{
			Provider: "googledrive",
			Headers: map[string]string{
				"channel_id":     r.Header.Get("X-Goog-Channel-ID"),
				"resource_state": state,
			},
		})
	}
	if !matched {
		http.Error(w, "invalid channel token", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// pubSubEnvelope is the Pub/Sub push wrapper around a Gmail
// notification.
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded Pub/Sub data payload.
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleGmailPubSub unwraps the Pub/Sub envelope. The push token query
// parameter authenticates the subscription.
func (i *Intake) handleGmailPubSub(w http.ResponseWriter, r *http.Request) {
	body, ok := i.readBody(w, r)
	if !ok {
		return
	}

	var env pubSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Malformed pushes are acked so Pub/Sub stops redelivering them.
		i.log.WithError(err).Warn("malformed pubsub envelope")
		w.WriteHeader(http.StatusOK)
		return
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		i.log.WithError(err).Warn("malformed pubsub data")
		w.WriteHeader(http.StatusOK)
		return
	}
	var note gmailNotification
	if err := json.Unmarshal(data, &note); err != nil {
		i.log.WithError(err).Warn("malformed gmail notification")
		w.WriteHeader(http.StatusOK)
		return
	}

	token := r.URL.Query().Get("token")
	matched := false
	for _, inst := range i.bySource["gmail"] {
		if inst.secret != "" && inst.secret != token {
			continue
		}
		matched = true
		i.scheduler.TriggerWebhook(inst.id, connector.WebhookNotification{
			Provider: "gmail",
			Payload:  data,
		})
	}
	if !matched {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// linearPayload is the subset of a Linear webhook body the intake needs
// for scope routing.
type linearPayload struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		TeamID string `json:"teamId"`
	} `json:"data"`
}

// handleLinear verifies the body signature and narrows the triggered
// sync to the notified team when the payload names one.
func (i *Intake) handleLinear(w http.ResponseWriter, r *http.Request) {
	body, ok := i.readBody(w, r)
	if !ok {
		return
	}
	sig := r.Header.Get("Linear-Signature")

	var payload linearPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.log.WithError(err).Warn("malformed linear payload")
	}

	matched := false
	for _, inst := range i.bySource["linear"] {
		if !verifyHMACHex(inst.secret, body, sig) {
			continue
		}
		matched = true
		i.scheduler.TriggerWebhook(inst.id, connector.WebhookNotification{
			Provider: "linear",
			Scope:    payload.Data.TeamID,
			Payload:  body,
		})
	}
	if !matched {
		i.log.Warn("linear webhook signature did not match any instance")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (i *Intake) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// verifyHMACHex checks a hex-encoded HMAC-SHA256 signature, with or
// without the conventional "sha256=" prefix.
func verifyHMACHex(secret string, body []byte, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	if len(sig) > 7 && sig[:7] == "sha256=" {
		sig = sig[7:]
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}
