// Package diagnostics turns event bus traffic into lifecycle logs and
// prometheus metrics, and serves pprof and /metrics on an optional debug
// HTTP server.
package diagnostics
