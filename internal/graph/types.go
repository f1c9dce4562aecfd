package graph

import "time"

// Wire shapes for the Graph v1.0 mail surface.

type emailAddress struct {
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// draftRequest creates the server-side working copy of a message.
type draftRequest struct {
	Subject       string      `json:"subject"`
	Body          itemBody    `json:"body"`
	ToRecipients  []recipient `json:"toRecipients"`
	CcRecipients  []recipient `json:"ccRecipients,omitempty"`
	BccRecipients []recipient `json:"bccRecipients,omitempty"`
}

type draftResponse struct {
	ID string `json:"id"`
}

// fileAttachment is the single-POST form for attachments at or below
// the large-attachment threshold.
type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

type uploadSessionRequest struct {
	AttachmentItem attachmentItem `json:"AttachmentItem"`
}

type attachmentItem struct {
	AttachmentType string `json:"attachmentType"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	ContentType    string `json:"contentType,omitempty"`
	IsInline       bool   `json:"isInline,omitempty"`
	ContentID      string `json:"contentId,omitempty"`
}

// uploadSessionResponse doubles as the createUploadSession response and
// the body of intermediate chunk PUT responses; only the fields relevant
// to each are populated.
type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// cleanMessage is the whitelisted materialized draft. Decoding the
// draft GET into this struct drops the read-only properties the
// sendMail endpoint rejects.
type cleanMessage struct {
	Subject       string            `json:"subject"`
	Body          *itemBody         `json:"body,omitempty"`
	ToRecipients  []recipient       `json:"toRecipients"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient       `json:"replyTo,omitempty"`
	From          *recipient        `json:"from,omitempty"`
	Importance    string            `json:"importance,omitempty"`
	Attachments   []cleanAttachment `json:"attachments,omitempty"`
}

// cleanAttachment is the whitelisted attachment entry of a materialized
// draft.
type cleanAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	ContentBytes string `json:"contentBytes,omitempty"`
	Size         int64  `json:"size,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

type sendMailRequest struct {
	Message         cleanMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

// Receive-path shapes.

type messageListResponse struct {
	Value []inboundMessage `json:"value"`
}

type inboundMessage struct {
	ID                     string           `json:"id"`
	Subject                string           `json:"subject"`
	Body                   itemBody         `json:"body"`
	ReceivedDateTime       time.Time        `json:"receivedDateTime"`
	IsRead                 bool             `json:"isRead"`
	HasAttachments         bool             `json:"hasAttachments"`
	WebLink                string           `json:"webLink"`
	ToRecipients           []recipient      `json:"toRecipients"`
	CcRecipients           []recipient      `json:"ccRecipients"`
	BccRecipients          []recipient      `json:"bccRecipients"`
	InternetMessageHeaders []internetHeader `json:"internetMessageHeaders"`
}

type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type attachmentListResponse struct {
	Value []inboundAttachment `json:"value"`
}

type inboundAttachment struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ContentType      string `json:"contentType"`
	MediaContentType string `json:"@odata.mediaContentType"`
	Size             int64  `json:"size"`
	IsInline         bool   `json:"isInline"`
	ContentBytes     string `json:"contentBytes"`
}
