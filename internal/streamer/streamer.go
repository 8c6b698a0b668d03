// Package streamer serves record bytes to callers: it routes a record
// to its owning connector, applies the Gmail attachment fallback chain,
// and runs optional PDF conversion.
package streamer

import (
	"context"
	"fmt"
	"strings"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/connector/gmail"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// Streamer resolves a record id to a byte stream.
type Streamer struct {
	registry  *connector.Registry
	store     store.Store
	converter *Converter
	log       logger.Logger
}

// New builds a streamer over the connector registry.
func New(registry *connector.Registry, st store.Store, cfg config.StreamerConfig) *Streamer {
	return &Streamer{
		registry:  registry,
		store:     st,
		converter: NewConverter(cfg),
		log:       logger.New("streamer"),
	}
}

// Stream fetches the record's bytes from its connector. convertTo may
// be empty or "pdf"; conversion materializes the stream through the
// external converter.
func (s *Streamer) Stream(ctx context.Context, recordID, convertTo string) (*connector.StreamResponse, error) {
	rec, err := s.store.GetRecordByID(ctx, recordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "loading record", err)
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "record not found: "+recordID)
	}

	driver, ok := s.registry.Get(rec.ConnectorID)
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation, "no connector for record: "+rec.ConnectorID)
	}

	resp, err := driver.StreamRecord(ctx, rec, convertTo)
	if err != nil && s.isGmailAttachment(driver, rec) && apperrors.Is(err, apperrors.KindNotFound) {
		resp, err = s.gmailFallback(ctx, driver, rec, convertTo)
	}
	if err != nil {
		return nil, err
	}

	if convertTo == "pdf" && !strings.Contains(resp.ContentType, "pdf") {
		return s.converter.ToPDF(ctx, rec.RecordName, resp)
	}
	return resp, nil
}

func (s *Streamer) isGmailAttachment(d connector.Driver, rec *models.Record) bool {
	return d.Source() == "gmail" && rec.RecordType == models.RecordTypeFile
}

// gmailFallback handles the parent message 404: walk sibling messages
// carrying the same Internet Message-ID header, then try Drive's media
// download. Only when every path fails does the request surface an
// internal error.
func (s *Streamer) gmailFallback(ctx context.Context, d connector.Driver, rec *models.Record, convertTo string) (*connector.StreamResponse, error) {
	msgID, partID, err := gmail.SplitAttachmentID(rec.ExternalRecordID)
	if err != nil {
		return nil, err
	}

	if resp, ok := s.trySiblings(ctx, d, rec, msgID, partID, convertTo); ok {
		return resp, nil
	}
	if resp, ok := s.tryDrive(ctx, rec, convertTo); ok {
		return resp, nil
	}
	return nil, apperrors.New(apperrors.KindInternal,
		fmt.Sprintf("attachment %s unreachable via gmail siblings and drive", rec.ExternalRecordID))
}

// trySiblings streams the same part from another copy of the message.
// Duplicated mail (forwards to self, shared labels) keeps the bytes
// reachable after the original is deleted.
func (s *Streamer) trySiblings(ctx context.Context, d connector.Driver, rec *models.Record, msgID, partID, convertTo string) (*connector.StreamResponse, bool) {
	parent, err := s.store.GetRecordByExternalID(ctx, rec.ConnectorID, msgID)
	if err != nil || parent == nil || parent.Mail == nil || parent.Mail.InternetMessageID == "" {
		return nil, false
	}
	siblings, err := s.store.GetRecordsByInternetMessageID(ctx, rec.ConnectorID, parent.Mail.InternetMessageID)
	if err != nil {
		s.log.WithError(err).Warn("sibling lookup failed", logger.String("record_id", rec.ID))
		return nil, false
	}
	for _, sib := range siblings {
		if sib.ExternalRecordID == msgID {
			continue
		}
		clone := *rec
		clone.ExternalRecordID = sib.ExternalRecordID + "_" + partID
		resp, err := d.StreamRecord(ctx, &clone, convertTo)
		if err == nil {
			s.log.Info("streamed attachment via sibling message",
				logger.String("record_id", rec.ID),
				logger.String("sibling", sib.ExternalRecordID))
			return resp, true
		}
	}
	return nil, false
}

// tryDrive retries the attachment through any Drive connector's media
// download.
func (s *Streamer) tryDrive(ctx context.Context, rec *models.Record, convertTo string) (*connector.StreamResponse, bool) {
	for _, d := range s.registry.BySource("googledrive") {
		clone := *rec
		resp, err := d.StreamRecord(ctx, &clone, convertTo)
		if err == nil {
			s.log.Info("streamed attachment via drive fallback",
				logger.String("record_id", rec.ID),
				logger.String("connector_id", d.ID()))
			return resp, true
		}
	}
	return nil, false
}
