// Package auth propagates verified token identity to upstream services.
//
// The Propagator owns a fixed set of trusted header names. Apply strips
// every one of them from the outbound request before setting the values
// derived from the verified identity, so a client can never supply them.
package auth
