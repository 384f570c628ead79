// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for probes; readiness requires a readable cache index.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/assets/batch?sources=siteA,wikiMedia for a batch of random vector assets.
//   - GET /v1/ratelimit/status[?upstream=wikiMedia] for throttle windows.
//   - GET /archive/* serves archived files when the local blob store is in use.
package api
