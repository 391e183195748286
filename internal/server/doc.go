// Package server hosts the video API from a single HTTP server, wiring the
// api handlers behind request-id, logging, rate-limit, CORS, and security
// header middleware.
package server
