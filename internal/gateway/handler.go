package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/cors"
	"github.com/vyrodovalexey/edgegw/internal/middleware"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/tenant"
)

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hint, err := g.extractor.Load().Extract(r)
	if err != nil && !errors.Is(err, tenant.ErrNoTenant) {
		g.logger.WithContext(ctx).Debug("tenant hint rejected", observability.Error(err))
	}

	route := r.URL.Path
	if hint.ID != "" {
		route = hint.Path
	}

	origin := r.Header.Get("Origin")
	requestedMethod := r.Header.Get(cors.HeaderRequestMethod)

	req := pipeline.Request{
		Method:           r.Method,
		Origin:           origin,
		Authorization:    r.Header.Get("Authorization"),
		TenantHint:       hint.ID,
		Route:            route,
		Preflight:        r.Method == http.MethodOptions && origin != "" && requestedMethod != "",
		RequestedMethod:  requestedMethod,
		RequestedHeaders: cors.ParseRequestHeaders(r.Header.Get(cors.HeaderRequestHeaders)),
		Header:           r.Header,
	}

	fwd := pipeline.ForwarderFunc(func(ctx context.Context, res *pipeline.Result) {
		res.CORS.Apply(w.Header())

		out := r.Clone(ctx)
		if hint.Source == tenant.SourcePath {
			out.URL.Path = hint.Path
			out.URL.RawPath = ""
		}
		g.upstream.ServeHTTP(w, out)
	})

	res := g.pipeline.Run(ctx, req, fwd)

	middleware.AddLogFields(ctx,
		observability.String("tenant", hint.ID),
		observability.String("pipeline_state", res.State.String()),
	)

	switch {
	case res.Rejected():
		res.CORS.Apply(w.Header())
		writeRejection(w, res.Rejection)
	case res.State == pipeline.StateCorsChecked:
		res.CORS.Apply(w.Header())
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeRejection writes the client-facing error. Only the reason is
// exposed; diagnostics stay in the logs.
func writeRejection(w http.ResponseWriter, rej *pipeline.Rejection) {
	status := rej.HTTPStatus()
	if status == http.StatusUnauthorized {
		challenge := `Bearer error="invalid_token"`
		if rej.Reason == pipeline.ReasonMissingToken || rej.Reason == pipeline.ReasonUnknownTenant {
			challenge = "Bearer"
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	w.Header().Set(middleware.HeaderContentType, "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":"`+string(rej.Reason)+`"}`)
}

// stripUpstreamCORS drops CORS headers set by the upstream; the gateway's
// decision is the only one a browser sees.
func stripUpstreamCORS(resp *http.Response) error {
	for name := range resp.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "Access-Control-") {
			delete(resp.Header, name)
		}
	}
	return nil
}
