package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/task/engine"
)

const maxResponseBody = 64 << 10

// Webhook sends an HTTP request per run.
//
// Parameters:
//   - url (required): absolute http(s) URL
//   - method: default POST
//   - headers: map of string values
//   - body: any JSON value; defaults to the remaining parameters
//
// 2xx succeeds. 429 is retried after Retry-After when present, 5xx and
// transport errors are retried, other statuses fail without retry.
type Webhook struct {
	Client *http.Client
}

// NewWebhook returns a handler whose client is bounded by timeout. The job's
// own timeout still applies through ctx.
func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Handle(ctx context.Context, params job.Parameters) (job.Result, error) {
	req, err := buildRequest(ctx, params)
	if err != nil {
		return job.Result{}, engine.NoRetry(err)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return job.Result{}, ctx.Err()
		}
		return job.Result{}, job.WrapHandlerError(errors.UnwrapAll(err), "http_transport")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return job.Result{Success: true, Data: responseData(resp, body)}, nil
	}

	herr := job.NewHandlerError("http_status", "remote returned "+resp.Status, snippet(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return job.Result{}, engine.RetryAfter(herr, d)
		}
		return job.Result{}, herr
	case resp.StatusCode >= 500:
		return job.Result{}, herr
	default:
		return job.Result{}, engine.NoRetry(herr)
	}
}

func buildRequest(ctx context.Context, params job.Parameters) (*http.Request, error) {
	rawURL, _ := params["url"].(string)
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, job.NewHandlerError("bad_parameters", "url must be an absolute http(s) url")
	}

	method := http.MethodPost
	if m, ok := params["method"].(string); ok && strings.TrimSpace(m) != "" {
		method = strings.ToUpper(strings.TrimSpace(m))
	}

	payload, ok := params["body"]
	if !ok {
		rest := params.Clone()
		for _, k := range []string{"url", "method", "headers"} {
			delete(rest, k)
		}
		payload = rest
	}
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, job.WrapHandlerError(err, "bad_parameters", "body is not JSON-encodable")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, job.WrapHandlerError(err, "bad_parameters")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hs {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	return req, nil
}

func responseData(resp *http.Response, body []byte) map[string]any {
	out := map[string]any{"status": resp.StatusCode}
	if len(body) == 0 {
		return out
	}
	var v any
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && json.Unmarshal(body, &v) == nil {
		out["body"] = v
	} else {
		out["body"] = snippet(body)
	}
	return out
}

func snippet(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

// retryAfter reads a Retry-After header: delay-seconds or an HTTP date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}
