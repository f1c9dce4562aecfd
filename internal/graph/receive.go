package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/shineum/mail-gateway/internal/email"
)

// receivePageSize caps how many unread messages one Receive call reads.
const receivePageSize = 100

// receiveSelect projects the message fields the gateway exposes.
const receiveSelect = "id,subject,body,receivedDateTime,isRead,hasAttachments,webLink," +
	"toRecipients,ccRecipients,bccRecipients,internetMessageHeaders"

// Receive lists unread inbox messages of the given mailbox (empty means
// the configured sender), hydrates their attachments, and marks each
// message as read. Attachment fetches and mark-as-read are per-message
// best effort: failures are logged and the batch continues.
func (s *Sender) Receive(ctx context.Context, mailbox string) ([]email.InboundMessage, error) {
	if mailbox == "" {
		mailbox = s.cfg.Sender
	}
	if !email.IsValidAddress(mailbox) {
		return nil, &email.ValidationError{
			Field:  "mailbox",
			Reason: fmt.Sprintf("%q is not a valid address", mailbox),
		}
	}

	params := url.Values{
		"$filter": {"isRead eq false"},
		"$select": {receiveSelect},
		"$top":    {fmt.Sprintf("%d", receivePageSize)},
	}
	listURL := s.userURL(mailbox, "/mailFolders/inbox/messages") + "?" + params.Encode()

	resp, err := s.doJSON(ctx, "listMessages", http.MethodGet, listURL, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newOpError("listMessages", resp)
	}

	var list messageListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &OpError{Op: "listMessages", Err: fmt.Errorf("decoding response: %w", err)}
	}

	out := make([]email.InboundMessage, 0, len(list.Value))
	for i := range list.Value {
		raw := &list.Value[i]
		msg := convertInbound(raw)

		if raw.HasAttachments {
			atts, err := s.fetchAttachments(ctx, mailbox, raw.ID)
			if err != nil {
				s.logger.Warn("fetching attachments failed",
					"message_id", raw.ID,
					"error", err,
				)
			} else {
				msg.Attachments = atts
			}
		}

		if err := s.markAsRead(ctx, mailbox, raw.ID); err != nil {
			s.logger.Warn("marking message as read failed",
				"message_id", raw.ID,
				"error", err,
			)
		}

		out = append(out, msg)
	}

	return out, nil
}

func (s *Sender) fetchAttachments(ctx context.Context, mailbox, id string) ([]email.InboundAttachment, error) {
	u := s.userURL(mailbox, "/messages/"+url.PathEscape(id)+"/attachments")

	resp, err := s.doJSON(ctx, "listAttachments", http.MethodGet, u, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newOpError("listAttachments", resp)
	}

	var list attachmentListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &OpError{Op: "listAttachments", Err: fmt.Errorf("decoding response: %w", err)}
	}

	atts := make([]email.InboundAttachment, 0, len(list.Value))
	for _, a := range list.Value {
		contentType := a.ContentType
		if contentType == "" {
			contentType = a.MediaContentType
		}

		content, err := base64.StdEncoding.DecodeString(a.ContentBytes)
		if err != nil {
			s.logger.Warn("attachment content is not valid base64",
				"message_id", id,
				"attachment", a.Name,
			)
			content = nil
		}

		atts = append(atts, email.InboundAttachment{
			ID:          a.ID,
			Name:        a.Name,
			ContentType: contentType,
			Size:        a.Size,
			IsInline:    a.IsInline,
			Content:     content,
		})
	}
	return atts, nil
}

func (s *Sender) markAsRead(ctx context.Context, mailbox, id string) error {
	payload, err := json.Marshal(map[string]bool{"isRead": true})
	if err != nil {
		return err
	}

	u := s.userURL(mailbox, "/messages/"+url.PathEscape(id))
	resp, err := s.doJSON(ctx, "markAsRead", http.MethodPatch, u, payload, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return newOpError("markAsRead", resp)
	}
	return nil
}

func convertInbound(raw *inboundMessage) email.InboundMessage {
	msg := email.InboundMessage{
		ID:              raw.ID,
		Subject:         raw.Subject,
		Body:            raw.Body.Content,
		BodyContentType: raw.Body.ContentType,
		ReceivedAt:      raw.ReceivedDateTime,
		IsRead:          raw.IsRead,
		HasAttachments:  raw.HasAttachments,
		WebLink:         raw.WebLink,
		To:              addressList(raw.ToRecipients),
		Cc:              addressList(raw.CcRecipients),
		Bcc:             addressList(raw.BccRecipients),
	}
	for _, h := range raw.InternetMessageHeaders {
		msg.Headers = append(msg.Headers, email.Header{Name: h.Name, Value: h.Value})
	}
	return msg
}

func addressList(recipients []recipient) []string {
	if len(recipients) == 0 {
		return nil
	}
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, r.EmailAddress.Address)
	}
	return out
}
