package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

var errPermanent = errors.New("permanent delivery failure")

// Permanent marks err so the notifier gives up without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

func IsPermanent(err error) bool { return errors.Is(err, errPermanent) }

// LogSink writes notices to a logger.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, n job.FailureNotice) error {
	logNotice(s.Log, n)
	return nil
}

func logNotice(log logx.Logger, n job.FailureNotice) {
	log.Warn("job failed",
		logx.String("job", n.JobName),
		logx.String("job_id", n.JobID),
		logx.String("type", n.JobType),
		logx.Int("attempts", n.Attempts),
		logx.String("code", n.ErrorCode),
		logx.String("error", n.ErrorMessage),
		logx.Time("failed_at", n.FailedAt),
	)
}

// WebhookSink POSTs notices as JSON to URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink returns a sink with its own client bounded by timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (*WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Event string `json:"event"`
	job.FailureNotice
}

func (s *WebhookSink) Send(ctx context.Context, n job.FailureNotice) error {
	body, err := json.Marshal(webhookPayload{Event: "job.failed", FailureNotice: n})
	if err != nil {
		return Permanent(errors.Wrap(err, "encode notice"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// *url.Error repeats the URL, which may hold a token.
		return errors.Newf("webhook request failed: %s", errors.UnwrapAll(err).Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Newf("webhook returned %d", resp.StatusCode)
	default:
		return Permanent(errors.Newf("webhook returned %d", resp.StatusCode))
	}
}

// MultiSink fans a notice out to every sink. It fails when any sink fails;
// the error is permanent only if every failure was permanent.
type MultiSink []Sink

func (MultiSink) Name() string { return "multi" }

func (m MultiSink) Send(ctx context.Context, n job.FailureNotice) error {
	var (
		errs      error
		msgs      []string
		retryable bool
	)
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, s.Name()))
			msgs = append(msgs, s.Name()+": "+err.Error())
			if !IsPermanent(err) {
				retryable = true
			}
		}
	}
	switch {
	case errs == nil:
		return nil
	case !retryable:
		return Permanent(errs)
	default:
		// a combined error keeps the first cause, which may carry the
		// permanent mark; build a fresh one instead
		return errors.Newf("%d of %d sinks failed: %s", len(msgs), len(m), strings.Join(msgs, "; "))
	}
}
