// Package parser turns multipart/form-data send requests into gateway
// messages. File parts are streamed to temp files so request bodies of
// any size pass through in constant memory.
package parser

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/shineum/mail-gateway/internal/email"
)

// Form field names accepted by ParseSendForm. Field matching is
// case-insensitive.
const (
	fieldTo          = "to"
	fieldCc          = "cc"
	fieldBcc         = "bcc"
	fieldSubject     = "subject"
	fieldBody        = "body"
	fieldIsHTML      = "ishtml"
	fieldAttachments = "attachments"
)

// maxTextFieldBytes bounds non-file form fields. File parts are
// unbounded; the send pipeline enforces attachment size limits.
const maxTextFieldBytes = 1 << 20

// ParseSendForm reads a multipart/form-data request into a Message.
// Attachment parts are streamed into temp files referenced by the
// returned message; the cleanup func removes them and must be called
// once the message is no longer needed, on every path.
func ParseSendForm(r *http.Request) (*email.Message, func(), error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, fmt.Errorf("reading multipart form: %w", err)
	}

	msg := &email.Message{}
	var tempFiles []string
	cleanup := func() {
		for _, path := range tempFiles {
			os.Remove(path)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("reading form part: %w", err)
		}

		name := strings.ToLower(part.FormName())
		if name == fieldAttachments && part.FileName() != "" {
			path, att, err := spoolAttachment(part)
			part.Close()
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			tempFiles = append(tempFiles, path)
			msg.Attachments = append(msg.Attachments, att)
			continue
		}

		value, err := readTextField(part)
		part.Close()
		if err != nil {
			cleanup()
			return nil, nil, err
		}

		switch name {
		case fieldTo:
			msg.To = append(msg.To, splitAddresses(value)...)
		case fieldCc:
			msg.Cc = append(msg.Cc, splitAddresses(value)...)
		case fieldBcc:
			msg.Bcc = append(msg.Bcc, splitAddresses(value)...)
		case fieldSubject:
			msg.Subject = value
		case fieldBody:
			msg.Body = value
		case fieldIsHTML:
			isHTML, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				cleanup()
				return nil, nil, &email.ValidationError{
					Field:  "IsHtml",
					Reason: fmt.Sprintf("%q is not a boolean", value),
				}
			}
			msg.HTML = isHTML
		}
	}

	return msg, cleanup, nil
}

// spoolAttachment streams one file part into a temp file and returns its
// path alongside the attachment record pointing at it.
func spoolAttachment(part *multipart.Part) (string, email.Attachment, error) {
	tmp, err := os.CreateTemp("", "mail-gateway-att-*")
	if err != nil {
		return "", email.Attachment{}, fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := io.Copy(tmp, part); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", email.Attachment{}, fmt.Errorf("spooling attachment %q: %w", part.FileName(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", email.Attachment{}, fmt.Errorf("spooling attachment %q: %w", part.FileName(), err)
	}

	att := email.Attachment{
		Name:        part.FileName(),
		Path:        tmp.Name(),
		ContentType: partContentType(part),
	}
	return tmp.Name(), att, nil
}

// partContentType extracts the declared media type of a file part, if
// any. Detection from content is left to the send pipeline.
func partContentType(part *multipart.Part) string {
	ct := part.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType == "application/octet-stream" {
		return ""
	}
	return mediaType
}

// readTextField reads one non-file form field with a size bound.
func readTextField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxTextFieldBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading form field %q: %w", part.FormName(), err)
	}
	if len(data) > maxTextFieldBytes {
		return "", &email.ValidationError{
			Field:  part.FormName(),
			Reason: "field exceeds 1 MiB",
		}
	}
	return string(data), nil
}

// splitAddresses expands one address field value into individual
// addresses. Values may be comma-separated; blanks are dropped.
func splitAddresses(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
