package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"kiosk-terminal/internal/terminal"
)

var serviceStartTime = time.Now() // Track service uptime

type bindRequest struct {
	LocationID string `json:"location_id"`
}

type chargeRequest struct {
	AmountMinorUnits int64  `json:"amount"`
	Currency         string `json:"currency"`
	ReceiptEmail     string `json:"receipt_email,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

func (s *Server) bindHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	var req bindRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.Logger.Errorf("Invalid JSON in bind request: %v", err)
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	// An empty request binds to the configured location.
	locationID := req.LocationID
	if locationID == "" {
		locationID = s.SettingsManager.Get().LocationID
	}

	bound, err := s.Terminal.Bind(r.Context(), locationID)
	if err != nil {
		s.writeTerminalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"reader_id":   bound.ReaderID,
		"location_id": bound.LocationID,
		"state":       bound.State.String(),
	})
}

func (s *Server) unbindHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Terminal.Unbind(); err != nil {
		s.Logger.Errorf("Unbind failed: %v", err)
		http.Error(w, "Unbind failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) chargeHandler(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Logger.Errorf("Invalid JSON in charge request: %v", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.AmountMinorUnits <= 0 || req.Currency == "" {
		http.Error(w, "amount and currency are required", http.StatusBadRequest)
		return
	}

	outcome, err := s.Terminal.Charge(r.Context(), req.AmountMinorUnits, req.Currency, req.ReceiptEmail)
	if err != nil {
		s.writeTerminalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcome)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	intentID := mux.Vars(r)["intent_id"]

	ok, err := s.Terminal.Cancel(intentID)
	if err != nil {
		writeError(w, http.StatusNotFound, errorBody{
			Kind:    "NoSuchSession",
			Message: err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"intent_id": intentID,
		"cancelled": ok,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	hostname, _ := os.Hostname()
	response := map[string]interface{}{
		"terminal": s.Terminal.Status(),
		"service": map[string]interface{}{
			"uptime_seconds": time.Since(serviceStartTime).Seconds(),
			"pid":            os.Getpid(),
			"hostname":       hostname,
		},
		"timestamp": time.Now(),
	}
	if s.Health != nil {
		response["backend"] = s.Health.GetStats()
	}
	if s.Store != nil {
		response["store"] = s.Store.GetStats()
	}

	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	current := s.SettingsManager.Get()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"location_id":           current.LocationID,
		"label":                 current.Label,
		"heartbeat_interval_ms": current.HeartbeatInterval.Milliseconds(),
		"tap_timeout_ms":        current.TapTimeout.Milliseconds(),
	})
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Errorf("Error reading settings body: %v", err)
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	if err := s.SettingsManager.UpdateSettings(body); err != nil {
		s.Logger.Errorf("Failed to process settings update: %v", err)
		http.Error(w, "Failed to process settings", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// writeTerminalError maps the typed bind and payment failures onto HTTP
// statuses the kiosk app can branch on.
func (s *Server) writeTerminalError(w http.ResponseWriter, err error) {
	var bindErr *terminal.BindError
	if errors.As(err, &bindErr) {
		status := http.StatusInternalServerError
		switch bindErr.Reason {
		case terminal.BindLocationNotFound:
			status = http.StatusNotFound
		case terminal.BindAccountNotEnabled:
			status = http.StatusForbidden
		case terminal.BindUnsupportedHardware:
			status = http.StatusUnprocessableEntity
		case terminal.BindNetworkFailure:
			status = http.StatusBadGateway
		}
		s.Logger.Errorf("Bind failed: %v", err)
		writeError(w, status, errorBody{
			Kind:    string(bindErr.Reason),
			Stage:   bindErr.Stage,
			Message: err.Error(),
		})
		return
	}

	var payErr *terminal.PaymentError
	if errors.As(err, &payErr) {
		status := http.StatusInternalServerError
		switch payErr.Kind {
		case terminal.PaymentReaderNotReady, terminal.PaymentSessionInProgress:
			status = http.StatusConflict
		case terminal.PaymentDeclined:
			status = http.StatusPaymentRequired
		case terminal.PaymentCancelled:
			status = http.StatusConflict
		case terminal.PaymentNetworkFailure:
			status = http.StatusBadGateway
		}
		s.Logger.Errorf("Charge failed: %v", err)
		writeError(w, status, errorBody{
			Kind:    string(payErr.Kind),
			Stage:   payErr.Stage,
			Message: err.Error(),
		})
		return
	}

	s.Logger.Errorf("Request failed: %v", err)
	writeError(w, http.StatusBadRequest, errorBody{
		Kind:    "InvalidRequest",
		Message: err.Error(),
	})
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: body})
}
