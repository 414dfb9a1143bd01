// Package publish implements the outbox publisher (C8): the transports that
// deliver a sent event to the outside world (stdout audit line, webhook
// POST) and the worker.Handler that drives tenant validation, dispatch, and
// classification of the result.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/conduitlabs/ibxpub/config"
)

var stdout io.Writer = os.Stdout

// Result is what a Transport reports back to the handler.
type Result struct {
	OK         bool
	StatusCode int
	Error      string // set iff !OK; one of the closed reason strings below
}

const (
	ErrUnsupportedScheme = "unsupported_scheme"
	ErrForbiddenAddress  = "forbidden_address"
	ErrTimeout           = "timeout"
)

// Transport delivers one event to its destination.
type Transport interface {
	Name() string
	Publish(ctx context.Context, tenantID, eventType, payloadJSON, traceID string) Result
}

// StdoutTransport writes a one-line JSON audit record per event and always
// reports success — it exists for local development and for tenants that
// haven't configured a webhook.
type StdoutTransport struct {
	Writer io.Writer // defaults to os.Stdout if nil
}

func (t *StdoutTransport) Name() string { return "stdout" }

func (t *StdoutTransport) Publish(ctx context.Context, tenantID, eventType, payloadJSON, traceID string) Result {
	w := t.Writer
	if w == nil {
		w = stdout
	}
	line, _ := json.Marshal(map[string]any{
		"tenant_id":  tenantID,
		"event_type": eventType,
		"trace_id":   traceID,
		"transport":  "stdout",
	})
	fmt.Fprintln(w, string(line))
	return Result{OK: true, StatusCode: 0}
}

// WebhookTransport POSTs the raw payload JSON to a single configured URL.
type WebhookTransport struct {
	URL          string
	Client       *http.Client
	SuccessCodes map[int]struct{}
	Headers      map[string]string
	DomainAllow  []string
	limiter      *rate.Limiter
}

// FromConfig builds the configured transport: "webhook" or (the default)
// "stdout".
func FromConfig(cfg *config.Config) Transport {
	if cfg.PublishTransport == "webhook" {
		return NewWebhookTransport(cfg.WebhookURL, cfg.WebhookTimeout, cfg.WebhookSuccessCodes, cfg.WebhookHeadersAllowlist, cfg.WebhookDomainAllowlist)
	}
	return &StdoutTransport{}
}

// NewWebhookTransport builds a WebhookTransport from its already-parsed
// config fields: successCodesSpec is the raw "200-299,304" spec string,
// headers is the allowlisted (but not yet sanitized) custom header set, and
// domainAllow is the lowercase domain suffix list (empty means any host).
func NewWebhookTransport(webhookURL string, timeout time.Duration, successCodesSpec string, headers map[string]string, domainAllow []string) *WebhookTransport {
	return &WebhookTransport{
		URL:          webhookURL,
		Client:       &http.Client{Timeout: timeout},
		SuccessCodes: parseSuccessCodes(successCodesSpec),
		Headers:      sanitizeHeaders(headers),
		DomainAllow:  lowercaseAll(domainAllow),
		limiter:      rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Publish(ctx context.Context, tenantID, eventType, payloadJSON, traceID string) Result {
	u, err := url.Parse(t.URL)
	if err != nil || !strings.EqualFold(u.Scheme, "https") {
		return Result{Error: ErrUnsupportedScheme}
	}
	if !t.hostAllowed(normalizeHost(u.Hostname())) {
		return Result{Error: ErrForbiddenAddress}
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return Result{Error: ErrTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader([]byte(payloadJSON)))
	if err != nil {
		return Result{Error: err.Error()}
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return Result{Error: ErrTimeout}
		}
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	_, ok := t.SuccessCodes[resp.StatusCode]
	if ok {
		return Result{OK: true, StatusCode: resp.StatusCode}
	}
	return Result{StatusCode: resp.StatusCode, Error: fmt.Sprintf("http_%d", resp.StatusCode)}
}

func (t *WebhookTransport) hostAllowed(host string) bool {
	if len(t.DomainAllow) == 0 {
		return true
	}
	for _, d := range t.DomainAllow {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if enc, err := idna.Lookup.ToASCII(h); err == nil {
		return enc
	}
	return h
}

// parseSuccessCodes parses a comma-separated spec of single codes and
// inclusive ranges ("200-299,304"); a spec with nothing usable defaults to
// the 2xx range.
func parseSuccessCodes(spec string) map[int]struct{} {
	result := map[int]struct{}{}
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA != nil || errB != nil {
				continue
			}
			for c := a; c <= b; c++ {
				result[c] = struct{}{}
			}
			continue
		}
		if n, err := strconv.Atoi(tok); err == nil {
			result[n] = struct{}{}
		}
	}
	if len(result) == 0 {
		for c := 200; c < 300; c++ {
			result[c] = struct{}{}
		}
	}
	return result
}

var forbiddenHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
}

func sanitizeHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, forbidden := forbiddenHeaders[strings.ToLower(k)]; forbidden {
			continue
		}
		out[k] = v
	}
	return out
}

func lowercaseAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok {
			te = t
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return te != nil && te.Timeout()
}
