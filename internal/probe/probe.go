// Package probe performs single connectivity checks against a probe URL.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultURL is the well-known endpoint that answers 204 No Content when
	// the network has direct internet access.
	DefaultURL = "http://clients3.google.com/generate_204"
	// DefaultTimeout bounds a single probe.
	DefaultTimeout = 5 * time.Second

	maxRedirects = 5
	maxBodyBytes = 64 << 10
)

// Failure classifies why a probe or login request did not get an HTTP response.
type Failure string

const (
	// FailureNone means a response was received.
	FailureNone Failure = ""
	// FailureTimeout means the request did not complete within its deadline.
	FailureTimeout Failure = "timeout"
	// FailureDNS means the host name could not be resolved.
	FailureDNS Failure = "dns"
	// FailureTLS means the TLS handshake or certificate verification failed.
	FailureTLS Failure = "tls"
	// FailureNetwork covers refused, reset and other transport failures.
	FailureNetwork Failure = "network"
	// FailureInternal means the request could not be built or issued at all.
	FailureInternal Failure = "internal"
)

// IsNetwork reports whether f is a network-level failure (worth retrying).
func (f Failure) IsNetwork() bool {
	return f == FailureTimeout || f == FailureDNS || f == FailureTLS || f == FailureNetwork
}

// Result is the outcome of a single probe. It is never mutated after Probe returns.
type Result struct {
	// URL is the probe URL that was requested.
	URL string
	// HTTPStatus is the final response status, 0 if no response arrived.
	HTTPStatus int
	// Redirected is true if the probe was redirected at least once.
	Redirected bool
	// FinalURL is the last URL seen: the cross-host redirect target when the
	// chain left the probe host, otherwise the last URL requested.
	FinalURL string
	// PortalURL is a bounce target extracted from an HTML or script body.
	PortalURL string
	// BodyBytes is the size of the response body (capped at 64 KiB).
	BodyBytes int64
	// Latency is the wall time from request start to body read.
	Latency time.Duration
	// Failure is set when no usable response was received.
	Failure Failure
	// Detail is a human-readable description of the failure.
	Detail string
}

// Host returns the host of the probe URL.
func (r Result) Host() string {
	return hostOf(r.URL)
}

// FinalHost returns the host of FinalURL, or the probe host if FinalURL is empty.
func (r Result) FinalHost() string {
	if r.FinalURL == "" {
		return r.Host()
	}
	return hostOf(r.FinalURL)
}

// CrossHostRedirect reports whether the probe was redirected away from the probe host.
func (r Result) CrossHostRedirect() bool {
	if !r.Redirected || r.FinalURL == "" {
		return false
	}
	return !strings.EqualFold(r.FinalHost(), r.Host())
}

// Client issues probes. The zero value is not usable; use NewClient.
type Client struct {
	transport http.RoundTripper
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the HTTP transport used for probes.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// NewClient creates a probe client. Keep-alives are disabled so every probe
// opens a fresh connection and sees the network as it is now.
func NewClient(opts ...Option) *Client {
	c := &Client{
		transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
			DialContext: (&net.Dialer{
				Timeout: DefaultTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   DefaultTimeout,
			ResponseHeaderTimeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe issues a GET against rawURL and classifies the raw response.
// It never returns an error; failures are recorded in Result.Failure.
func (c *Client) Probe(ctx context.Context, rawURL string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res := Result{URL: rawURL}

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		res.Failure = FailureInternal
		res.Detail = fmt.Sprintf("invalid probe URL %q", rawURL)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		res.Failure = FailureInternal
		res.Detail = err.Error()
		return res
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "abeslink-probe/1.0")

	hc := &http.Client{
		Transport: c.transport,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			// Stop at the first hop that leaves the probe host; the caller
			// inspects the Location header of that response.
			if !strings.EqualFold(next.URL.Hostname(), target.Hostname()) {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		res.Latency = time.Since(start)
		res.Failure = ClassifyError(err)
		res.Detail = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res.Latency = time.Since(start)
	res.HTTPStatus = resp.StatusCode
	res.BodyBytes = int64(len(body))

	requested := resp.Request.URL
	res.FinalURL = requested.String()
	if requested.String() != target.String() {
		res.Redirected = true
	}
	if isRedirect(resp.StatusCode) {
		if loc, err := resp.Location(); err == nil {
			res.Redirected = true
			res.FinalURL = loc.String()
		}
	}

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		// A truncated body still tells us a portal answered.
		res.Detail = fmt.Sprintf("body read: %v", readErr)
	}
	if len(body) > 0 {
		res.PortalURL = extractBounceURL(string(body), requested)
	}

	return res
}

// ClassifyError maps a transport error onto the shared failure taxonomy.
func ClassifyError(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return FailureTimeout
		}
		return FailureDNS
	}

	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &recordErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidCert) {
		return FailureTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	return FailureNetwork
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
