/*
Package httpserver implements the HTTP surface of the duplication daemon.

Routes:

	GET /livez           liveness, always 200
	GET /readyz          200 while ready, 503 while drained
	GET /drain           mark the server not ready
	GET /undrain         mark the server ready again
	GET /api/v1/status   duplication counters (duplication.StatusSnapshot)
	GET /api/v1/report   latest storage report, JSON or ?format=text

Prometheus metrics are served by a separate listener on MetricsAddr. Register
collectors on Server.MetricsRegistry before calling RunInBackground.
*/
package httpserver
