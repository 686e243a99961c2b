// Package proxy forwards accepted requests to the upstream service.
//
// The proxy strips hop-by-hop headers, sets the X-Forwarded-* headers,
// injects the active trace context and maps transport failures to a
// JSON 502 or 504 response. It never inspects or alters the trusted
// identity headers; those are set before the request reaches it.
//
//	up, err := proxy.New("http://backend:8080",
//	    proxy.WithLogger(logger),
//	    proxy.WithMetrics(proxy.NewMetrics("edgegw", registry)),
//	)
//	if err != nil {
//	    return err
//	}
//	up.ServeHTTP(w, r)
package proxy
