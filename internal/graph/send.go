package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shineum/mail-gateway/internal/email"
)

// cleanupTimeout bounds the draft DELETE that runs after the main
// operation, detached from the caller's cancellation.
const cleanupTimeout = 30 * time.Second

// draftHandle identifies the server-side working copy of one send.
type draftHandle struct {
	id              string
	mailbox         string
	createdOnServer bool
}

// Send delivers one message: validate, create a draft, attach files
// (small ones inline, large ones through upload sessions), re-read the
// draft into a clean payload, post sendMail, and delete the draft. The
// draft is deleted on every path that created one, including failure
// and cancellation; when both the main operation and the cleanup fail
// the two errors are joined.
func (s *Sender) Send(ctx context.Context, msg *email.Message, opts SendOptions) error {
	opts = opts.normalized()

	sender := msg.From
	if sender == "" {
		sender = s.cfg.Sender
	}
	if err := msg.Validate(sender, opts.MaxAttachmentBytes); err != nil {
		return err
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := s.logger.With("correlation_id", correlationID)

	subject := email.SanitizeSubject(msg.Subject)
	body := msg.Body
	contentType := "Text"
	if msg.HTML {
		body = email.SanitizeBody(body)
		contentType = "HTML"
	}

	h, err := s.createDraft(ctx, logger, sender, subject, contentType, body, msg, opts)
	if err != nil {
		return err
	}
	logger.Info("draft created", "draft_id", h.id, "attachments", len(msg.Attachments))

	mainErr := s.completeSend(ctx, logger, h, msg, opts)
	cleanupErr := s.deleteDraft(ctx, logger, h, opts)

	switch {
	case mainErr != nil && cleanupErr != nil:
		return errors.Join(mainErr, cleanupErr)
	case mainErr != nil:
		return mainErr
	case cleanupErr != nil:
		return cleanupErr
	}

	logger.Info("message sent", "draft_id", h.id)
	return nil
}

// completeSend runs the middle of the pipeline: attach, materialize,
// sendMail. Split out so Send can pair it with the unconditional draft
// cleanup.
func (s *Sender) completeSend(ctx context.Context, logger *slog.Logger, h draftHandle, msg *email.Message, opts SendOptions) error {
	for i := range msg.Attachments {
		if err := s.attach(ctx, logger, h, &msg.Attachments[i], opts); err != nil {
			return err
		}
	}

	clean, err := s.materialize(ctx, h, opts)
	if err != nil {
		return err
	}

	return s.sendMail(ctx, h, clean, opts)
}

func (s *Sender) createDraft(ctx context.Context, logger *slog.Logger, sender, subject, contentType, body string, msg *email.Message, opts SendOptions) (draftHandle, error) {
	payload, err := json.Marshal(draftRequest{
		Subject:       subject,
		Body:          itemBody{ContentType: contentType, Content: body},
		ToRecipients:  toRecipients(msg.To),
		CcRecipients:  toRecipients(msg.Cc),
		BccRecipients: toRecipients(msg.Bcc),
	})
	if err != nil {
		return draftHandle{}, fmt.Errorf("graph: marshaling draft: %w", err)
	}

	resp, err := s.doJSON(ctx, "createDraft", http.MethodPost, s.userURL(sender, "/messages"), payload, opts.RequestTimeout)
	if err != nil {
		return draftHandle{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return draftHandle{}, newOpError("createDraft", resp)
	}

	var draft draftResponse
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return draftHandle{}, &OpError{Op: "createDraft", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if draft.ID == "" {
		return draftHandle{}, &OpError{Op: "createDraft", Err: fmt.Errorf("response missing draft id")}
	}

	return draftHandle{id: draft.ID, mailbox: sender, createdOnServer: true}, nil
}

// attach routes one attachment to the small-inline or upload-session
// path based on its size at attach time.
func (s *Sender) attach(ctx context.Context, logger *slog.Logger, h draftHandle, att *email.Attachment, opts SendOptions) error {
	info, err := os.Stat(att.Path)
	if err != nil {
		return &email.ValidationError{
			Field:  "attachments",
			Reason: fmt.Sprintf("cannot read %q: %v", att.Name, err),
		}
	}

	name := email.SanitizeFilename(att.Name)
	contentType := attachmentContentType(att, name)

	if info.Size() <= opts.LargeAttachmentThreshold {
		return s.attachSmall(ctx, h, att, name, contentType, opts)
	}

	logger.Info("uploading large attachment",
		"name", name,
		"size", info.Size(),
		"chunk_size", opts.ChunkSize,
	)
	return s.uploadLarge(ctx, logger, h, att, name, info.Size(), contentType, opts)
}

func (s *Sender) attachSmall(ctx context.Context, h draftHandle, att *email.Attachment, name, contentType string, opts SendOptions) error {
	content, err := os.ReadFile(att.Path)
	if err != nil {
		return &UploadError{Name: name, Err: err}
	}

	payload, err := json.Marshal(fileAttachment{
		ODataType:    "#microsoft.graph.fileAttachment",
		Name:         name,
		ContentType:  contentType,
		ContentBytes: base64.StdEncoding.EncodeToString(content),
		IsInline:     att.Inline,
		ContentID:    att.ContentID,
	})
	if err != nil {
		return fmt.Errorf("graph: marshaling attachment: %w", err)
	}

	resp, err := s.doJSON(ctx, "attach", http.MethodPost, s.draftURL(h, "/attachments"), payload, opts.RequestTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return newOpError("attach", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// materialize re-reads the draft with attachments expanded and decodes
// it straight off the response body into the whitelisted message shape.
// The response is never buffered whole; attachment contentBytes can be
// tens of megabytes.
func (s *Sender) materialize(ctx context.Context, h draftHandle, opts SendOptions) (*cleanMessage, error) {
	u := s.draftURL(h, "") + "?" + url.Values{"$expand": {"attachments"}}.Encode()

	resp, err := s.doJSON(ctx, "materialize", http.MethodGet, u, nil, opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newOpError("materialize", resp)
	}

	var clean cleanMessage
	if err := json.NewDecoder(resp.Body).Decode(&clean); err != nil {
		return nil, &OpError{Op: "materialize", Err: fmt.Errorf("decoding draft: %w", err)}
	}
	return &clean, nil
}

func (s *Sender) sendMail(ctx context.Context, h draftHandle, clean *cleanMessage, opts SendOptions) error {
	payload, err := json.Marshal(sendMailRequest{
		Message:         *clean,
		SaveToSentItems: opts.SaveToSentItems,
	})
	if err != nil {
		return fmt.Errorf("graph: marshaling sendMail: %w", err)
	}

	resp, err := s.doJSON(ctx, "sendMail", http.MethodPost, s.userURL(h.mailbox, "/sendMail"), payload, opts.RequestTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return newOpError("sendMail", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// deleteDraft removes the server-side working copy. It runs detached
// from the caller's cancellation so a cancelled send still cleans up,
// bounded by its own timeout.
func (s *Sender) deleteDraft(ctx context.Context, logger *slog.Logger, h draftHandle, opts SendOptions) error {
	if !h.createdOnServer || h.id == "" {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	resp, err := s.doJSON(cleanupCtx, "deleteDraft", http.MethodDelete, s.draftURL(h, ""), nil, opts.RequestTimeout)
	if err != nil {
		return &OpError{Op: "deleteDraft", Err: err}
	}
	defer resp.Body.Close()

	// 404 means the draft is already gone, which is the desired end state.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		return newOpError("deleteDraft", resp)
	}

	io.Copy(io.Discard, resp.Body)
	logger.Debug("draft deleted", "draft_id", h.id)
	return nil
}

// doJSON runs one retry-wrapped, authorized call. The token is fetched
// from the cache immediately before every attempt; long uploads can
// outlive a token, so nothing captured at the start of a send is reused.
func (s *Sender) doJSON(ctx context.Context, op, method, u string, payload []byte, timeout time.Duration) (*http.Response, error) {
	return s.retry.do(ctx, op, timeout, func(ctx context.Context) (*http.Request, error) {
		token, err := s.token.Token(ctx)
		if err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
}

func (s *Sender) draftURL(h draftHandle, tail string) string {
	return s.userURL(h.mailbox, "/messages/"+url.PathEscape(h.id)+tail)
}

func toRecipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: a}})
	}
	return out
}

// attachmentContentType resolves the declared MIME type: explicit
// override, extension lookup, octet-stream.
func attachmentContentType(att *email.Attachment, name string) string {
	if att.ContentType != "" {
		return att.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
