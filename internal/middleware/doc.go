// Package middleware provides the HTTP middleware wrapped around the
// gateway handler.
//
//   - Recovery: panic recovery with stack trace logging
//   - RequestID: request identifier injection and echo
//   - Logging: structured access logging
//
// Middleware functions follow the standard Go pattern and are composed
// with Chain:
//
//	handler := middleware.Chain(gatewayHandler,
//	    middleware.Recovery(logger, metrics),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	)
package middleware
