package api

import (
	"net/http"

	"autosubmit/internal/health"
	"autosubmit/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	View          Viewer
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter serves the probes and the read-only experiment endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.View, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes skip auth
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Experiment state, read-only
	auth := AuthMiddleware(cfg.APIKey)
	for pattern, fn := range map[string]http.HandlerFunc{
		"GET /v1/jobs":            handler.ListJobs,
		"GET /v1/jobs/{name}":     handler.GetJob,
		"GET /v1/packages":        handler.ListPackages,
		"GET /v1/packages/{name}": handler.GetPackage,
	} {
		mux.Handle(pattern, auth(fn))
	}

	return Chain(mux,
		RecoveryMiddleware(),
		LoggingMiddleware(),
		MetricsMiddleware(cfg.Metrics),
		CORSMiddleware(),
	)
}
