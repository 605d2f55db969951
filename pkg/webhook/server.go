package webhook

import (
	"net/http"

	"github.com/mokk-dev/food-integrator/pkg/config"
)

type Dependencies struct {
	Submitter   Submitter
	Store       Pinger
	Cache       Pinger
	Token       string
	Version     string
	Environment string
}

// NewRouter registers the webhook and health routes behind the shared middleware.
func NewRouter(deps Dependencies) http.Handler {
	h := NewHandler(deps.Submitter, deps.Token)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/orders", h.ReceiveOrder)
	mux.HandleFunc("GET /webhook/health", webhookHealthHandler)
	mux.HandleFunc("GET /health", healthHandler(deps.Version, deps.Environment))
	mux.HandleFunc("GET /ready", readyHandler(map[string]Pinger{
		"database": deps.Store,
		"redis":    deps.Cache,
	}))

	// correlation id first so the request log line carries it
	return WithCorrelationID(WithTracing(WithSecurityHeaders(mux)))
}

func NewServer(settings config.HTTPSettings, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              settings.Addr,
		Handler:           handler,
		ReadTimeout:       settings.ReadTimeout,
		ReadHeaderTimeout: settings.ReadTimeout,
		WriteTimeout:      settings.WriteTimeout,
	}
}
