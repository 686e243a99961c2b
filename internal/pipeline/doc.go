// Package pipeline orchestrates the per-request authentication flow:
//
//	Start -> CorsChecked -> Authenticated -> Propagated -> Forwarded
//
// Every step can end the run in Rejected with a single Rejection carrying a
// reason code. Nothing is retried inside a run and a rejected request is
// never forwarded. Mapping rejections to responses is left to the HTTP
// layer; Rejection.HTTPStatus gives the conventional status code.
package pipeline
