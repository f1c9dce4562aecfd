package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shineum/mail-gateway/internal/backoff"
)

// maxAttempts is the total number of tries per request: the initial
// attempt plus four retries.
const maxAttempts = 5

// Backoff schedule parameters. The first delay is drawn uniformly from
// [base, 3*base), so its median is one second.
const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// RetryEvent describes one scheduled retry, surfaced to the telemetry
// hook before the executor sleeps.
type RetryEvent struct {
	// Op names the logical call being retried.
	Op string

	// Attempt is the 1-indexed attempt that just failed.
	Attempt int

	// Delay is the sleep before the next attempt, after any Retry-After
	// override.
	Delay time.Duration

	// Status is the HTTP status of the failed attempt, or 0 when the
	// attempt failed before a response arrived.
	Status int

	// Body holds at most maxErrorBodyBytes of the failed response body.
	Body string

	// Err is the transport error when no response arrived.
	Err error
}

// TelemetryFunc receives retry events. The default implementation logs
// them through the Sender's logger.
type TelemetryFunc func(RetryEvent)

// retryExecutor runs one HTTP call with the gateway's retry policy:
// 408, 429 and 5xx responses and transport errors are retried up to
// maxAttempts with decorrelated-jitter delays, a Retry-After delta
// replaces the scheduled delay, and everything else returns immediately.
type retryExecutor struct {
	client *http.Client
	clock  clockwork.Clock
	logger *slog.Logger
	notify TelemetryFunc

	// delays is the jittered schedule, drawn once at construction and
	// replayed for every call.
	delays []time.Duration
}

func newRetryExecutor(client *http.Client, clock clockwork.Clock, logger *slog.Logger, notify TelemetryFunc) *retryExecutor {
	gen := backoff.NewDecorr(backoffBase, backoffCap)
	return &retryExecutor{
		client: client,
		clock:  clock,
		logger: logger,
		notify: notify,
		delays: gen.Schedule(maxAttempts - 1),
	}
}

// do executes one logical call. build must produce a fresh request per
// attempt: request bodies are consumed on send and the Authorization
// header has to carry a freshly fetched token. The returned response may
// be a non-success status; classifying it is the caller's job. When
// timeout is non-zero each attempt runs under its own deadline,
// independent of the caller's context.
func (e *retryExecutor) do(ctx context.Context, op string, timeout time.Duration, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		req, err := build(attemptCtx)
		if err != nil {
			cancel()
			return nil, err
		}

		resp, err := e.client.Do(req)
		if err != nil {
			cancel()
			// Cancellations traceable to the caller are not failures
			// to retry.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt == maxAttempts {
				break
			}
			delay := e.delays[attempt-1]
			e.report(RetryEvent{Op: op, Attempt: attempt, Delay: delay, Err: err})
			if serr := backoff.Sleep(ctx, e.clock, delay); serr != nil {
				return nil, serr
			}
			continue
		}

		if !retriableStatus(resp.StatusCode) || attempt == maxAttempts {
			// The body stays readable after the per-attempt deadline.
			resp.Body = &bodyWithCancel{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		cancel()

		delay := e.delays[attempt-1]
		if ra, ok := retryAfterDelta(resp.Header.Get("Retry-After")); ok {
			delay = ra
		}
		e.report(RetryEvent{
			Op:      op,
			Attempt: attempt,
			Delay:   delay,
			Status:  resp.StatusCode,
			Body:    string(body),
		})
		if serr := backoff.Sleep(ctx, e.clock, delay); serr != nil {
			return nil, serr
		}
	}

	return nil, fmt.Errorf("graph: %s failed after %d attempts: %w", op, maxAttempts, lastErr)
}

func (e *retryExecutor) report(ev RetryEvent) {
	if e.notify != nil {
		e.notify(ev)
		return
	}
	e.logger.Warn("retrying request",
		"op", ev.Op,
		"attempt", ev.Attempt,
		"delay", ev.Delay,
		"status", ev.Status,
		"error", ev.Err,
	)
}

// retriableStatus reports whether a response status warrants a retry:
// 408, 429 and any 5xx. All other statuses, success or not, return to
// the caller unchanged.
func retriableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// retryAfterDelta parses a Retry-After header carrying a delta in
// seconds. HTTP-date forms fall back to the jittered schedule.
func retryAfterDelta(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// bodyWithCancel releases a per-attempt deadline when the response body
// is closed.
type bodyWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *bodyWithCancel) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
