// Package tenant identifies the tenant an inbound request belongs to.
package tenant

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// MaxIDLength is the longest accepted tenant identifier.
const MaxIDLength = 128

// Errors returned by Validate and the Extractor.
var (
	ErrEmptyID   = errors.New("tenant id is empty")
	ErrInvalidID = errors.New("tenant id is invalid")
	ErrNoTenant  = errors.New("no tenant hint in request")
)

// Source names a place a tenant hint can be read from.
type Source string

// Supported sources.
const (
	SourceHeader Source = "header"
	SourcePath   Source = "path"
	SourceHost   Source = "host"
)

// Validate checks that id is a usable tenant identifier: non-empty, at most
// MaxIDLength bytes, and made of ASCII letters, digits, '.', '_' or '-'.
func Validate(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, MaxIDLength)
	}
	for i := 0; i < len(id); i++ {
		if !validIDChar(id[i]) {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidID, id[i])
		}
	}
	return nil
}

func validIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}

// Hint is a tenant hint together with where it was found.
type Hint struct {
	ID     string
	Source Source
	// Path is the request path with the tenant path prefix removed when the
	// hint came from the path; otherwise the unchanged request path.
	Path string
}

// Extractor reads a tenant hint from a request, trying sources in order.
type Extractor struct {
	sources    []Source
	header     string
	pathPrefix string
	hostSuffix string
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithSources sets the ordered list of sources.
func WithSources(sources ...Source) ExtractorOption {
	return func(e *Extractor) {
		e.sources = sources
	}
}

// WithHeader sets the header carrying the tenant ID.
func WithHeader(name string) ExtractorOption {
	return func(e *Extractor) {
		e.header = name
	}
}

// WithPathPrefix sets the path prefix preceding the tenant segment, e.g. "/t/".
func WithPathPrefix(prefix string) ExtractorOption {
	return func(e *Extractor) {
		e.pathPrefix = prefix
	}
}

// WithHostSuffix sets the host suffix following the tenant label, e.g. ".gw.example".
func WithHostSuffix(suffix string) ExtractorOption {
	return func(e *Extractor) {
		e.hostSuffix = strings.ToLower(suffix)
	}
}

// NewExtractor creates an Extractor. Without options it reads the
// X-Tenant-ID header only.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		sources:    []Source{SourceHeader},
		header:     "X-Tenant-ID",
		pathPrefix: "/t/",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the first valid tenant hint found. A source that is
// present but carries an invalid ID fails the extraction instead of falling
// through to the next source.
func (e *Extractor) Extract(r *http.Request) (Hint, error) {
	for _, src := range e.sources {
		var (
			id   string
			path = r.URL.Path
		)

		switch src {
		case SourceHeader:
			id = strings.TrimSpace(r.Header.Get(e.header))
		case SourcePath:
			id, path = e.fromPath(r.URL.Path)
		case SourceHost:
			id = e.fromHost(r.Host)
		}

		if id == "" {
			continue
		}
		if err := Validate(id); err != nil {
			return Hint{}, err
		}
		return Hint{ID: id, Source: src, Path: path}, nil
	}
	return Hint{}, ErrNoTenant
}

func (e *Extractor) fromPath(p string) (id, rest string) {
	if e.pathPrefix == "" || !strings.HasPrefix(p, e.pathPrefix) {
		return "", p
	}
	tail := p[len(e.pathPrefix):]
	if i := strings.IndexByte(tail, '/'); i >= 0 {
		return tail[:i], tail[i:]
	}
	return tail, "/"
}

func (e *Extractor) fromHost(host string) string {
	if e.hostSuffix == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if !strings.HasSuffix(host, e.hostSuffix) {
		return ""
	}
	label := strings.TrimSuffix(host, e.hostSuffix)
	if strings.Contains(label, ".") {
		return ""
	}
	return label
}
