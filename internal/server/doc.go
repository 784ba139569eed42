// Package server hosts the Fiber HTTP service that stands in for the browser
// host: a catch-all route turns every incoming request into a fetch event for
// the proxy handler, a small middleware chain assigns request IDs and recovers
// panics, and the shared upstream HTTP client lives here so the proxy and the
// worker's network share one connection pool. Diagnostics and the control
// channel are registered separately under /-/ (see package routes).
package server
