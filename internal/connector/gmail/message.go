package gmail

import (
	"path"
	"strconv"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/catherinevee/syncmgr/pkg/models"
)

// attachmentIDSeparator joins the message id and the MIME part id into
// the attachment record's external id. Gmail's attachmentId rotates
// between reads, so it is never persisted; the part id is stable.
const attachmentIDSeparator = "_"

type parsedMessage struct {
	mail        *models.Record
	attachments []*models.Record
}

func header(payload *gmailapi.MessagePart, name string) string {
	if payload == nil {
		return ""
	}
	for _, h := range payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func splitAddresses(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if i := strings.LastIndex(p, "<"); i >= 0 {
			p = strings.Trim(p[i:], "<>")
		}
		if p != "" {
			out = append(out, models.NormalizeEmail(p))
		}
	}
	return out
}

func firstAddress(raw string) string {
	addrs := splitAddresses(raw)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// collectAttachmentParts walks the MIME tree depth-first and returns
// every part that carries a real attachment.
func collectAttachmentParts(part *gmailapi.MessagePart, out *[]*gmailapi.MessagePart) {
	if part == nil {
		return
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		*out = append(*out, part)
	}
	for _, child := range part.Parts {
		collectAttachmentParts(child, out)
	}
}

// findPartByID resolves a MIME part id within a message payload.
func findPartByID(part *gmailapi.MessagePart, partID string) *gmailapi.MessagePart {
	if part == nil {
		return nil
	}
	if part.PartId == partID {
		return part
	}
	for _, child := range part.Parts {
		if found := findPartByID(child, partID); found != nil {
			return found
		}
	}
	return nil
}

// parseMessage converts a full-format Gmail message into a mail record
// plus one child record per attachment.
func (c *Connector) parseMessage(msg *gmailapi.Message) parsedMessage {
	subject := header(msg.Payload, "Subject")
	if subject == "" {
		subject = "(no subject)"
	}

	mail := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: msg.Id,
			SourceCreatedAt:  msg.InternalDate,
			SourceUpdatedAt:  msg.InternalDate,
		},
		RecordName:            subject,
		RecordType:            models.RecordTypeMail,
		RecordGroupType:       models.RecordGroupMailbox,
		ExternalRecordGroupID: c.mailboxGroupID(),
		MimeType:              "message/rfc822",
		ExternalRevisionID:    historyRevision(msg.HistoryId),
		Mail: &models.MailRecord{
			ThreadID:          msg.ThreadId,
			LabelIDs:          msg.LabelIds,
			Subject:           subject,
			FromEmail:         firstAddress(header(msg.Payload, "From")),
			ToEmails:          splitAddresses(header(msg.Payload, "To")),
			CcEmails:          splitAddresses(header(msg.Payload, "Cc")),
			BccEmails:         splitAddresses(header(msg.Payload, "Bcc")),
			InternetMessageID: header(msg.Payload, "Message-ID"),
		},
	}
	mail.IndexingStatus = c.Filters.IndexingStatusFor(mail)

	var parts []*gmailapi.MessagePart
	collectAttachmentParts(msg.Payload, &parts)

	attachments := make([]*models.Record, 0, len(parts))
	for _, part := range parts {
		ext := strings.TrimPrefix(path.Ext(part.Filename), ".")
		att := &models.Record{
			Base: models.Base{
				OrgID:            c.OrgID(),
				ConnectorID:      c.ID(),
				ConnectorName:    c.Name(),
				ExternalRecordID: msg.Id + attachmentIDSeparator + part.PartId,
				SourceCreatedAt:  msg.InternalDate,
				SourceUpdatedAt:  msg.InternalDate,
			},
			RecordName:            part.Filename,
			RecordType:            models.RecordTypeFile,
			RecordGroupType:       models.RecordGroupMailbox,
			ExternalRecordGroupID: c.mailboxGroupID(),
			ParentExternalID:      msg.Id,
			ParentRecordType:      models.RecordTypeMail,
			MimeType:              part.MimeType,
			IsDependentNode:       true,
			ExternalRevisionID:    historyRevision(msg.HistoryId),
			File: &models.FileRecord{
				SizeInBytes: bodySize(part),
				Extension:   ext,
				IsFile:      true,
			},
		}
		att.IndexingStatus = c.Filters.IndexingStatusFor(att)
		attachments = append(attachments, att)
	}

	return parsedMessage{mail: mail, attachments: attachments}
}

func bodySize(part *gmailapi.MessagePart) int64 {
	if part.Body == nil {
		return 0
	}
	return part.Body.Size
}

func historyRevision(historyID uint64) string {
	if historyID == 0 {
		return ""
	}
	return strconv.FormatUint(historyID, 10)
}
