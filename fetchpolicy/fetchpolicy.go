// Package fetchpolicy enforces the outbound-fetch SSRF policy (C3) for
// remote URL ingestion: scheme, domain allow/denylist, and DNS-resolved IP
// classification, re-checked on every redirect hop.
package fetchpolicy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/worker"
)

// Error reports a fetch-policy violation, carrying the ErrorKind a Handler
// should classify its worker.Outcome as.
type Error struct {
	Kind worker.ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("fetchpolicy: %s: %s", e.Kind, e.Msg) }

func fail(kind worker.ErrorKind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Policy holds the configured allow/denylists and the HTTP client used to
// perform fetches once a URL clears the policy.
type Policy struct {
	cfg     *config.Config
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a Policy from cfg. The client never follows redirects itself —
// Fetch re-validates and re-dials each hop by hand so a redirect can't slip
// past the allowlist.
func New(cfg *config.Config) *Policy {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.IngestTimeoutConnect,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.IngestTimeoutConnect,
		ResponseHeaderTimeout: cfg.IngestTimeoutRead,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.IngestTimeoutConnect + cfg.IngestTimeoutRead,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Policy{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if enc, err := idna.Lookup.ToASCII(h); err == nil {
		return enc
	}
	return h
}

func domainMatches(host string, list []string) bool {
	for _, d := range list {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}

// EnsureURLAllowed validates that rawURL uses https, its host clears the
// deny/allowlist, and every address it resolves to is a public address.
// Unlike a generic SSRF guard, a DNS failure here is not treated as "allow
// and let the connect fail later" — it is reported as io_error so the caller
// gets one consistent, retriable classification instead of a bare dial error.
func (p *Policy) EnsureURLAllowed(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fail(worker.IOError, "malformed URL")
	}
	if strings.ToLower(u.Scheme) != "https" {
		return fail(worker.UnsupportedScheme, "https required")
	}
	if u.Host == "" {
		return fail(worker.IOError, "malformed URL")
	}
	return p.checkHostAllowed(ctx, u.Hostname())
}

func (p *Policy) checkHostAllowed(ctx context.Context, host string) error {
	host = normalizeHost(host)
	if domainMatches(host, p.cfg.IngestURLDenylist) {
		return fail(worker.ForbiddenAddress, "host is denied by policy")
	}
	if len(p.cfg.IngestURLAllowlist) > 0 && !domainMatches(host, p.cfg.IngestURLAllowlist) {
		return fail(worker.ForbiddenAddress, "host not in allowlist")
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fail(worker.IOError, "DNS resolution failed")
	}
	for _, a := range addrs {
		if isForbiddenIP(a.IP) {
			return fail(worker.ForbiddenAddress, "resolved to forbidden address")
		}
	}
	return nil
}

// Result is a fetched remote resource.
type Result struct {
	Body     []byte
	Filename string
}

// Fetch retrieves rawURL under the configured timeouts, redirect cap, and
// byte cap. The allowlist is re-checked on every hop, including after a
// redirect, so a resource can't bounce through an allowed host into a
// forbidden one.
func (p *Policy) Fetch(ctx context.Context, rawURL string, maxBytes int64) (*Result, error) {
	if !p.limiter.Allow() {
		return nil, fail(worker.RemoteTimeout, "outbound rate limit exceeded")
	}

	current := rawURL
	for redirects := 0; ; redirects++ {
		if err := p.EnsureURLAllowed(ctx, current); err != nil {
			return nil, err
		}
		if redirects > p.cfg.IngestRedirectLimit {
			return nil, fail(worker.RedirectLimit, "too many redirects")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fail(worker.IOError, "build request")
		}
		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fail(worker.RemoteTimeout, "context deadline exceeded")
			}
			if isTimeout(err) {
				return nil, fail(worker.RemoteTimeout, "request timed out")
			}
			return nil, fail(worker.IOError, err.Error())
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, fail(worker.IOError, "redirect without Location")
			}
			next, err := url.Parse(loc)
			if err != nil {
				return nil, fail(worker.IOError, "malformed redirect target")
			}
			base, _ := url.Parse(current)
			current = base.ResolveReference(next).String()
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fail(worker.IOError, fmt.Sprintf("remote error: %d", resp.StatusCode))
		}

		if cl := resp.ContentLength; cl > 0 && cl > maxBytes {
			resp.Body.Close()
			return nil, fail(worker.SizeLimit, "content-length exceeds size limit")
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
		resp.Body.Close()
		if err != nil {
			return nil, fail(worker.IOError, "read body")
		}
		if int64(len(body)) > maxBytes {
			return nil, fail(worker.SizeLimit, "downloaded payload exceeds size limit")
		}

		return &Result{Body: body, Filename: filenameFrom(resp, current)}, nil
	}
}

func filenameFrom(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				return fn
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if i := strings.LastIndex(u.Path, "/"); i >= 0 {
			return u.Path[i+1:]
		}
		return u.Path
	}
	return ""
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
