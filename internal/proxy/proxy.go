package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Upstream forwards requests to a single upstream base URL.
type Upstream struct {
	target         *url.URL
	proxy          *httputil.ReverseProxy
	transport      http.RoundTripper
	modifyResponse func(*http.Response) error
	flushInterval  time.Duration
	logger         observability.Logger
	metrics        *Metrics
}

// Option is a functional option for configuring the proxy.
type Option func(*Upstream)

// WithLogger sets the logger for the proxy.
func WithLogger(logger observability.Logger) Option {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// WithTransport sets the transport for the proxy.
func WithTransport(transport http.RoundTripper) Option {
	return func(u *Upstream) {
		u.transport = transport
	}
}

// WithModifyResponse sets the upstream response modifier.
func WithModifyResponse(modifier func(*http.Response) error) Option {
	return func(u *Upstream) {
		u.modifyResponse = modifier
	}
}

// WithFlushInterval sets the flush interval for streaming responses.
func WithFlushInterval(interval time.Duration) Option {
	return func(u *Upstream) {
		u.flushInterval = interval
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(u *Upstream) {
		u.metrics = m
	}
}

// New creates a proxy to rawURL, which must be an absolute http or https URL.
func New(rawURL string, opts ...Option) (*Upstream, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, NewInvalidTargetError(rawURL, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, NewInvalidTargetError(rawURL, errors.New("scheme must be http or https with a host"))
	}

	u := &Upstream{
		target:        target,
		flushInterval: -1, // Immediate flush
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}

	u.proxy = &httputil.ReverseProxy{
		Director:       u.director,
		Transport:      u.transport,
		FlushInterval:  u.flushInterval,
		ErrorHandler:   u.errorHandler,
		ModifyResponse: u.modifyResponse,
	}

	return u, nil
}

// Target returns the upstream base URL.
func (u *Upstream) Target() string {
	return u.target.String()
}

// ServeHTTP implements http.Handler.
func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	u.proxy.ServeHTTP(rec, r)

	u.metrics.recordUpstream(rec.status, time.Since(start))
}

// director rewrites the outbound request onto the upstream. The inbound
// X-Forwarded-For chain is extended by httputil.ReverseProxy itself.
func (u *Upstream) director(req *http.Request) {
	host := req.Host

	req.URL.Scheme = u.target.Scheme
	req.URL.Host = u.target.Host
	req.URL.Path, req.URL.RawPath = joinPath(u.target, req.URL)
	if u.target.RawQuery != "" {
		if req.URL.RawQuery == "" {
			req.URL.RawQuery = u.target.RawQuery
		} else {
			req.URL.RawQuery = u.target.RawQuery + "&" + req.URL.RawQuery
		}
	}

	if req.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", host)

	observability.InjectTraceContext(req.Context(), req)

	req.Host = u.target.Host
}

func joinPath(base, rel *url.URL) (path, rawPath string) {
	if base.RawPath == "" && rel.RawPath == "" {
		return singleJoin(base.Path, rel.Path), ""
	}
	return singleJoin(base.Path, rel.Path), singleJoin(base.EscapedPath(), rel.EscapedPath())
}

func singleJoin(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func (u *Upstream) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	kind := ErrUpstreamUnavailable
	errorType := "unavailable"

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		kind = ErrUpstreamTimeout
		errorType = "timeout"
	case errors.Is(err, context.Canceled):
		errorType = "canceled"
	}

	u.metrics.recordError(errorType)
	u.logger.WithContext(r.Context()).Error("proxy error",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(&ProxyError{Op: "forward", Target: u.target.String(), Err: kind, Cause: err}),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusGatewayTimeout {
		_, _ = io.WriteString(w, `{"error":"upstream_timeout"}`)
		return
	}
	_, _ = io.WriteString(w, `{"error":"bad_gateway"}`)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
