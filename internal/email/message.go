// Package email defines the gateway's message model together with the
// validation and sanitization rules applied before a message is handed
// to the backend.
package email

import "time"

// Attachment describes one file to attach to an outbound message.
// Content is read from Path at send time; only metadata lives here.
type Attachment struct {
	// Name is the file name declared to the recipient. It is sanitized
	// before transmission.
	Name string

	// Path is the local path of the file. It must refer to a readable,
	// non-empty regular file when the message is sent.
	Path string

	// Inline marks the attachment as inline content referenced from the
	// body. Inline attachments must carry a ContentID.
	Inline bool

	// ContentID is the cid referenced by inline images in the body.
	ContentID string

	// ContentType optionally overrides the detected MIME type.
	ContentType string
}

// Message is a single outbound email. A Message is owned by one send and
// is not mutated by the gateway beyond sanitization of subject and body.
type Message struct {
	// From optionally overrides the configured sender mailbox.
	From string

	To  []string
	Cc  []string
	Bcc []string

	Subject string
	Body    string

	// HTML marks Body as HTML content; the body is passed through the
	// HTML sanitizer before transmission.
	HTML bool

	// Attachments are sent in declaration order.
	Attachments []Attachment

	// CorrelationID scopes all log events of the send. Generated when
	// empty.
	CorrelationID string
}

// Header is a single internet message header of a received message.
type Header struct {
	Name  string
	Value string
}

// InboundMessage is one message read from the inbox.
type InboundMessage struct {
	ID              string
	Subject         string
	Body            string
	BodyContentType string
	ReceivedAt      time.Time
	IsRead          bool
	HasAttachments  bool
	WebLink         string
	To              []string
	Cc              []string
	Bcc             []string
	Headers         []Header
	Attachments     []InboundAttachment
}

// InboundAttachment is one attachment hydrated from a received message.
type InboundAttachment struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	IsInline    bool
	Content     []byte
}
