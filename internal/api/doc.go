// Package api hosts the HTTP handlers that front the video pipeline.
//
// Handlers validate requests and shape responses while delegating all
// pipeline semantics to the pipeline.Pipeline façade injected at
// construction time. The package does not reach for globals or singletons
// and expects callers to supply fully configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server
// has already applied request identifiers, rate limiting, CORS, and logging.
// Identity arrives as an opaque owner id header; authentication itself is an
// upstream concern.
package api
