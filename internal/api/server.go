package api

import (
	"context"
	"net/http"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kiosk-terminal/internal/core"
	"kiosk-terminal/internal/settings"
	"kiosk-terminal/internal/terminal"
)

// Terminal is the lifecycle surface the kiosk app drives over HTTP.
type Terminal interface {
	Bind(ctx context.Context, locationID string) (*terminal.BoundReader, error)
	Unbind() error
	Charge(ctx context.Context, amountMinorUnits int64, currency, receiptEmail string) (*terminal.PaymentOutcome, error)
	Cancel(intentID string) (bool, error)
	Status() terminal.StatusReport
}

// StoreDiagnostics exposes registration store internals on /status.
type StoreDiagnostics interface {
	GetStats() map[string]interface{}
}

// Server handles HTTP communication from the kiosk shell application.
type Server struct {
	*http.Server
	Logger          *log.Logger
	SettingsManager *settings.Manager
	Terminal        Terminal
	Health          *core.BackendHealth
	Store           StoreDiagnostics
}

// NewServer creates and configures the control server the kiosk shell
// talks to.
func NewServer(addr string, logger *log.Logger, sm *settings.Manager, term Terminal, health *core.BackendHealth) *Server {
	router := mux.NewRouter()

	s := &Server{
		Server: &http.Server{
			Addr:           addr,
			Handler:        router,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   120 * time.Second, // a charge holds the request open for the whole tap window
			MaxHeaderBytes: 1 << 20,
		},
		Logger:          logger,
		SettingsManager: sm,
		Terminal:        term,
		Health:          health,
	}

	router.HandleFunc("/bind", s.bindHandler).Methods(http.MethodPost)
	router.HandleFunc("/unbind", s.unbindHandler).Methods(http.MethodPost)
	router.HandleFunc("/charge", s.chargeHandler).Methods(http.MethodPost)
	router.HandleFunc("/payments/{intent_id}/cancel", s.cancelHandler).Methods(http.MethodPost)
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/config", s.configHandler).Methods(http.MethodGet)
	router.HandleFunc("/terminal_config", s.settingsHandler).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.Logger.Infof("Starting API Server on %s", s.Addr)
	return s.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info("Shutting down API Server...")
	return s.Shutdown(ctx)
}
