package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"

	"kiosk-terminal/internal/core"
)

// ErrCircuitOpen is returned without touching the network when the
// backend circuit breaker is open.
var ErrCircuitOpen = errors.New("backend circuit open")

// APIError is a structured error response from the payment backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// NotFound reports whether the backend said the resource does not exist.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == "resource_missing"
}

// Location is a backend-side grouping a reader must belong to.
type Location struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Address     map[string]string `json:"address"`
}

// Reader is the backend's view of a registered terminal reader.
type Reader struct {
	ID           string            `json:"id"`
	Label        string            `json:"label"`
	DeviceType   string            `json:"device_type"`
	Location     string            `json:"location"`
	SerialNumber string            `json:"serial_number"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	Action       *ReaderAction     `json:"action,omitempty"`
}

// ReaderAction is the in-progress or settled reader-side operation
// reported by the backend during server-driven collection.
type ReaderAction struct {
	Type           string `json:"type"`
	Status         string `json:"status"` // in_progress | succeeded | failed
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// PaymentIntent statuses we care about. The backend owns the enum; these
// are the values the session executor acts on.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
)

type PaymentIntent struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ReceiptEmail string `json:"receipt_email"`
}

// RegisterReaderParams carries the fields sent when registering this
// device as a fresh reader.
type RegisterReaderParams struct {
	DeviceType string
	LocationID string
	Label      string
	TabletID   string
	AppVersion string
}

// CreateIntentParams carries the fields for idempotent intent creation.
type CreateIntentParams struct {
	AmountMinorUnits int64
	Currency         string
	ReceiptEmail     string
	ReaderID         string
	IdempotencyKey   string
}

// Client talks to the remote payment backend using its form-encoded
// HTTP surface. All calls are gated by the shared circuit breaker.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	health  *core.BackendHealth
	logger  *goeen_log.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, health *core.BackendHealth, logger *goeen_log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		health:  health,
		logger:  logger,
	}
}

// GetLocation confirms a location identifier is known to the backend.
func (c *Client) GetLocation(ctx context.Context, locationID string) (*Location, error) {
	var loc Location
	if err := c.do(ctx, http.MethodGet, "/terminal/locations/"+url.PathEscape(locationID), nil, "", &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// ListReaders returns the readers registered at a location. An empty
// locationID lists all readers on the account.
func (c *Client) ListReaders(ctx context.Context, locationID string) ([]Reader, error) {
	path := "/terminal/readers"
	if locationID != "" {
		path += "?location=" + url.QueryEscape(locationID)
	}

	var list struct {
		Data []Reader `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// RegisterReader registers this device as a new reader at a location.
// The backend assigns the reader identifier; the client never chooses it.
func (c *Client) RegisterReader(ctx context.Context, params RegisterReaderParams) (*Reader, error) {
	form := url.Values{}
	form.Set("type", params.DeviceType)
	form.Set("location", params.LocationID)
	form.Set("label", params.Label)
	if params.TabletID != "" {
		form.Set("metadata[tablet_id]", params.TabletID)
	}
	if params.AppVersion != "" {
		form.Set("metadata[app_version]", params.AppVersion)
	}
	form.Set("metadata[purpose]", "donation_kiosk")

	var reader Reader
	if err := c.do(ctx, http.MethodPost, "/terminal/readers", form, "", &reader); err != nil {
		return nil, err
	}

	c.logger.Infof("Registered reader %s (%s) at location %s", reader.ID, reader.DeviceType, reader.Location)
	return &reader, nil
}

// GetReader fetches the backend's current view of one reader, including
// its liveness status and any in-progress reader action.
func (c *Client) GetReader(ctx context.Context, readerID string) (*Reader, error) {
	var reader Reader
	if err := c.do(ctx, http.MethodGet, "/terminal/readers/"+url.PathEscape(readerID), nil, "", &reader); err != nil {
		return nil, err
	}
	return &reader, nil
}

// ProcessPaymentIntent hands an intent to a reader for contactless
// collection (server-driven flow).
func (c *Client) ProcessPaymentIntent(ctx context.Context, readerID, intentID string) (*Reader, error) {
	form := url.Values{}
	form.Set("payment_intent", intentID)

	var reader Reader
	err := c.do(ctx, http.MethodPost, "/terminal/readers/"+url.PathEscape(readerID)+"/process_payment_intent", form, "", &reader)
	if err != nil {
		return nil, err
	}
	return &reader, nil
}

// GetPaymentIntent fetches the current state of an intent.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(intentID), nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreatePaymentIntent creates an intent for card-present collection.
// The idempotency key makes retried creations safe.
func (c *Client) CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountMinorUnits, 10))
	form.Set("currency", params.Currency)
	form.Set("payment_method_types[]", "card_present")
	form.Set("capture_method", "automatic")
	if params.ReceiptEmail != "" {
		form.Set("receipt_email", params.ReceiptEmail)
	}
	if params.ReaderID != "" {
		form.Set("metadata[reader_id]", params.ReaderID)
	}

	key := params.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/payment_intents", form, key, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ConfirmPaymentIntent confirms a collected intent.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(intentID)+"/confirm", url.Values{}, "", &intent)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// CancelPaymentIntent cancels an intent that has not been confirmed.
func (c *Client) CancelPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(intentID)+"/cancel", url.Values{}, "", &intent)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	if c.health != nil && !c.health.Allow() {
		return ErrCircuitOpen
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("backend request %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("failed to read backend response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// 4xx means the backend is reachable and answering; only 5xx
		// counts against the circuit.
		if resp.StatusCode >= 500 {
			c.recordFailure()
		} else {
			c.recordSuccess()
		}
		return parseAPIError(resp.StatusCode, data)
	}

	c.recordSuccess()

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return nil
}

func (c *Client) recordSuccess() {
	if c.health != nil {
		c.health.RecordSuccess()
	}
}

func (c *Client) recordFailure() {
	if c.health != nil {
		c.health.RecordFailure()
	}
}

func parseAPIError(status int, data []byte) error {
	var wrapper struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Error.Message == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
	}
	apiErr := wrapper.Error
	apiErr.StatusCode = status
	return &apiErr
}
