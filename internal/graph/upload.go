package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/shineum/mail-gateway/internal/backoff"
	"github.com/shineum/mail-gateway/internal/email"
)

// maxSessionAttempts bounds how many upload sessions are tried for one
// attachment when the backend discards the session mid-upload.
const maxSessionAttempts = 3

// errSessionLost signals that the backend no longer knows the upload
// session (a 404 on a chunk PUT). It triggers session re-creation, not
// a retry of the chunk.
var errSessionLost = errors.New("upload session lost")

// chunkPool shares chunk read buffers across uploads. Buffers are
// rented per large-attachment upload and returned on every exit path.
var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, DefaultChunkSize)
		return &b
	},
}

// uploadLarge streams one attachment through a resumable upload
// session: create the session, PUT sequential chunks with Content-Range
// headers, and start over with a fresh session when the backend loses
// the current one. On success the attachment is fully committed on the
// draft.
func (s *Sender) uploadLarge(ctx context.Context, logger *slog.Logger, h draftHandle, att *email.Attachment, name string, size int64, contentType string, opts SendOptions) error {
	bufp := chunkPool.Get().(*[]byte)
	if int64(cap(*bufp)) < opts.ChunkSize {
		*bufp = make([]byte, opts.ChunkSize)
	}
	defer chunkPool.Put(bufp)
	buf := (*bufp)[:opts.ChunkSize]

	sessionDelays := backoff.NewDecorr(backoffBase, backoffCap)

	var lastErr error
	var lastOffset int64
	for session := 1; session <= maxSessionAttempts; session++ {
		if session > 1 {
			logger.Warn("upload session lost, recreating",
				"name", name,
				"draft_id", h.id,
				"session_attempt", session,
			)
			if err := backoff.Sleep(ctx, s.clock, sessionDelays.Next()); err != nil {
				return err
			}
		}

		uploadURL, err := s.createUploadSession(ctx, h, att, name, size, contentType, opts)
		if err != nil {
			return err
		}

		offset, err := s.uploadChunks(ctx, uploadURL, att.Path, name, size, contentType, buf, opts)
		if err == nil {
			if offset != size {
				return &UploadError{
					Name:     name,
					Offset:   offset,
					Sessions: session,
					Err:      fmt.Errorf("incomplete upload: committed %d of %d bytes", offset, size),
				}
			}
			return nil
		}
		if !errors.Is(err, errSessionLost) {
			return err
		}
		lastErr = err
		lastOffset = offset
	}

	return &UploadError{
		Name:     name,
		Offset:   lastOffset,
		Sessions: maxSessionAttempts,
		Err:      fmt.Errorf("draft %s: %w", h.id, lastErr),
	}
}

// createUploadSession asks the backend for a pre-authenticated upload
// URL for one attachment of the draft.
func (s *Sender) createUploadSession(ctx context.Context, h draftHandle, att *email.Attachment, name string, size int64, contentType string, opts SendOptions) (string, error) {
	payload, err := json.Marshal(uploadSessionRequest{
		AttachmentItem: attachmentItem{
			AttachmentType: "file",
			Name:           name,
			Size:           size,
			ContentType:    contentType,
			IsInline:       att.Inline,
			ContentID:      att.ContentID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := s.doJSON(ctx, "createUploadSession", http.MethodPost, s.draftURL(h, "/attachments/createUploadSession"), payload, opts.RequestTimeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", newOpError("createUploadSession", resp)
	}

	var session uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", &OpError{Op: "createUploadSession", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if session.UploadURL == "" {
		return "", &OpError{Op: "createUploadSession", Err: fmt.Errorf("response missing uploadUrl")}
	}
	return session.UploadURL, nil
}

// uploadChunks drives the chunk loop of one session. It returns the
// committed offset together with any error; errSessionLost (wrapped)
// means the caller should obtain a new session and start from zero.
func (s *Sender) uploadChunks(ctx context.Context, uploadURL, path, name string, total int64, contentType string, buf []byte, opts SendOptions) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &UploadError{Name: name, Err: err}
	}
	defer f.Close()

	var offset int64
	for offset < total {
		if err := ctx.Err(); err != nil {
			return offset, err
		}

		n := total - offset
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(f, chunk); err != nil {
			return offset, &UploadError{
				Name:   name,
				Offset: offset,
				Err:    fmt.Errorf("file truncated at source: %w", err),
			}
		}

		contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, offset+n-1, total)
		resp, err := s.retry.do(ctx, "uploadChunk", opts.RequestTimeout, func(ctx context.Context) (*http.Request, error) {
			// Fresh reader per attempt over the same buffer; the
			// upload URL is pre-authenticated, so no Authorization
			// header is attached.
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
			if err != nil {
				return nil, err
			}
			req.ContentLength = n
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Content-Range", contentRange)
			return req, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return offset, ctx.Err()
			}
			return offset, &UploadError{Name: name, Offset: offset, Err: err}
		}

		done, advance, err := handleChunkResponse(resp)
		resp.Body.Close()
		if err != nil {
			return offset, chunkError(name, offset, err)
		}
		if advance {
			offset += n
		}
		if done {
			break
		}
	}

	return offset, nil
}

// handleChunkResponse classifies one chunk PUT response. done means the
// backend considers the upload complete; advance means the chunk's
// bytes were committed.
func handleChunkResponse(resp *http.Response) (done, advance bool, err error) {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		io.Copy(io.Discard, resp.Body)
		return true, true, nil

	case resp.StatusCode == http.StatusAccepted:
		var status uploadSessionResponse
		if derr := json.NewDecoder(resp.Body).Decode(&status); derr != nil {
			// An unreadable progress body does not fail the chunk; the
			// next Content-Range carries all required state.
			return false, true, nil
		}
		return len(status.NextExpectedRanges) == 0, true, nil

	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return false, false, errSessionLost

	default:
		return false, false, newOpError("uploadChunk", resp)
	}
}

// chunkError wraps a chunk failure, keeping errSessionLost recognizable
// through errors.Is.
func chunkError(name string, offset int64, err error) error {
	if errors.Is(err, errSessionLost) {
		return fmt.Errorf("%q at offset %d: %w", name, offset, err)
	}
	return &UploadError{Name: name, Offset: offset, Err: err}
}
