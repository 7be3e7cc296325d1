package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/core"
	"kiosk-terminal/internal/readers"
	"kiosk-terminal/internal/telemetry"
)

// PaymentStatus tracks a session from creation to its terminal state.
type PaymentStatus string

const (
	StatusCreated    PaymentStatus = "Created"
	StatusCollecting PaymentStatus = "CollectingMethod"
	StatusConfirming PaymentStatus = "Confirming"
	StatusSucceeded  PaymentStatus = "Succeeded"
	StatusFailed     PaymentStatus = "Failed"
	StatusCancelled  PaymentStatus = "Cancelled"
)

func (s PaymentStatus) terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// PaymentSession is one in-flight (or most recently settled) payment.
// At most one non-terminal session exists per bound reader.
type PaymentSession struct {
	IntentID string
	Amount   int64
	Currency string
	Status   PaymentStatus

	collectCancel context.CancelFunc
}

// PaymentOutcome is the success result of Charge.
type PaymentOutcome struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Charge runs one payment session: create intent, collect the
// contactless tap, confirm. It fails fast with SessionInProgress while
// another session is pending; two taps are never interleaved on one
// reader.
func (m *Manager) Charge(ctx context.Context, amountMinorUnits int64, currency, receiptEmail string) (*PaymentOutcome, error) {
	if amountMinorUnits <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amountMinorUnits)
	}
	if currency == "" {
		return nil, fmt.Errorf("currency is required")
	}

	// Precondition and exclusivity are checked before queueing on the
	// operation lock so a second Charge fails fast instead of waiting
	// behind the first.
	m.mu.Lock()
	if m.conn == nil || m.state != StateConnected {
		m.mu.Unlock()
		return nil, &PaymentError{Kind: PaymentReaderNotReady, Stage: "create-intent"}
	}
	if m.session != nil && !m.session.Status.terminal() {
		inFlight := m.session.IntentID
		m.mu.Unlock()
		return nil, &PaymentError{Kind: PaymentSessionInProgress, Stage: "create-intent", IntentID: inFlight}
	}
	sess := &PaymentSession{
		Amount:   amountMinorUnits,
		Currency: currency,
		Status:   StatusCreated,
	}
	m.session = sess
	conn := m.conn
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	// The reader may have been lost while we waited for the lock.
	m.mu.Lock()
	if m.conn != conn || m.state != StateConnected {
		m.session = nil
		m.mu.Unlock()
		return nil, &PaymentError{Kind: PaymentReaderNotReady, Stage: "create-intent"}
	}
	m.mu.Unlock()

	outcome, err := m.runSession(ctx, sess, conn, receiptEmail)
	if err != nil {
		record := core.PaymentRecord{
			ReaderID: conn.ReaderID(),
			Amount:   amountMinorUnits,
			Currency: currency,
			Outcome:  string(PaymentUnknown),
		}
		var perr *PaymentError
		if errors.As(err, &perr) {
			record.IntentID = perr.IntentID
			record.Outcome = string(perr.Kind)
			record.Stage = perr.Stage
		}
		telemetry.ChargesTotal.WithLabelValues(record.Outcome).Inc()
		m.auditPayment(record)
		return nil, err
	}

	telemetry.ChargesTotal.WithLabelValues("Succeeded").Inc()
	m.auditPayment(core.PaymentRecord{
		IntentID: outcome.IntentID,
		ReaderID: conn.ReaderID(),
		Amount:   outcome.Amount,
		Currency: outcome.Currency,
		Outcome:  "Succeeded",
	})
	return outcome, nil
}

func (m *Manager) auditPayment(rec core.PaymentRecord) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogPayment(rec); err != nil {
		m.logger.Errorf("Failed to write payment audit record: %v", err)
	}
}

func (m *Manager) runSession(ctx context.Context, sess *PaymentSession, conn readers.Conn, receiptEmail string) (*PaymentOutcome, error) {
	// Stage 1: create the intent. The idempotency key makes a retried
	// create safe against double-charging.
	intent, err := m.backend.CreatePaymentIntent(ctx, backend.CreateIntentParams{
		AmountMinorUnits: sess.Amount,
		Currency:         sess.Currency,
		ReceiptEmail:     receiptEmail,
		ReaderID:         conn.ReaderID(),
		IdempotencyKey:   uuid.New().String(),
	})
	if err != nil {
		m.settleSession(sess, StatusFailed)
		return nil, m.classifyPaymentError("create-intent", "", err)
	}

	m.mu.Lock()
	sess.IntentID = intent.ID
	cancelled := sess.Status == StatusCancelled
	m.mu.Unlock()

	if cancelled {
		// Cancelled between create and collect.
		m.abandonIntent(intent.ID)
		return nil, &PaymentError{Kind: PaymentCancelled, Stage: "collect", IntentID: intent.ID}
	}

	m.logger.Infof("Payment session %s created: %d %s", intent.ID, sess.Amount, sess.Currency)

	// Stage 2: collect the tap. The tap window is an application-level
	// timeout, distinct from network timeouts on the remote calls.
	tapTimeout := m.settings.Get().TapTimeout
	cctx, ccancel := context.WithTimeout(ctx, tapTimeout)
	m.mu.Lock()
	sess.Status = StatusCollecting
	sess.collectCancel = ccancel
	m.mu.Unlock()

	collectErr := conn.Collect(cctx, intent)
	timedOut := cctx.Err() == context.DeadlineExceeded
	ccancel()

	// A Cancel can land while the tap settles, after Collect has already
	// succeeded. The cancellation check and the Confirming transition
	// happen under one lock so a cancelled session never reaches
	// confirmation.
	m.mu.Lock()
	sess.collectCancel = nil
	wasCancelled := sess.Status == StatusCancelled
	if !wasCancelled && collectErr == nil {
		sess.Status = StatusConfirming
	}
	m.mu.Unlock()

	if wasCancelled {
		m.abandonIntent(intent.ID)
		return nil, &PaymentError{Kind: PaymentCancelled, Stage: "collect", IntentID: intent.ID, Err: collectErr}
	}

	if collectErr != nil {
		m.abandonIntent(intent.ID)

		if timedOut {
			m.settleSession(sess, StatusCancelled)
			return nil, &PaymentError{
				Kind:     PaymentCancelled,
				Stage:    "collect",
				IntentID: intent.ID,
				Err:      fmt.Errorf("tap window expired after %v", tapTimeout),
			}
		}

		var cf *readers.CollectFailure
		if errors.As(collectErr, &cf) && cf.Declined() {
			m.settleSession(sess, StatusFailed)
			return nil, &PaymentError{Kind: PaymentDeclined, Stage: "collect", IntentID: intent.ID, Err: collectErr}
		}

		m.settleSession(sess, StatusFailed)
		return nil, m.classifyPaymentError("collect", intent.ID, collectErr)
	}

	// Stage 3: confirm.
	confirmed, err := m.backend.ConfirmPaymentIntent(ctx, intent.ID)
	if err != nil {
		m.settleSession(sess, StatusFailed)
		return nil, m.classifyPaymentError("confirm", intent.ID, err)
	}
	if confirmed.Status != backend.IntentStatusSucceeded {
		m.settleSession(sess, StatusFailed)
		return nil, &PaymentError{
			Kind:     PaymentDeclined,
			Stage:    "confirm",
			IntentID: intent.ID,
			Err:      fmt.Errorf("confirmation ended in status %s", confirmed.Status),
		}
	}

	m.settleSession(sess, StatusSucceeded)
	m.logger.Infof("Payment session %s succeeded: %d %s", intent.ID, confirmed.Amount, confirmed.Currency)

	return &PaymentOutcome{
		IntentID: confirmed.ID,
		Status:   confirmed.Status,
		Amount:   confirmed.Amount,
		Currency: confirmed.Currency,
	}, nil
}

// Cancel aborts a pending session. It is effective only while the
// session is in Created or CollectingMethod; once confirmation has
// started it reports false and does nothing.
func (m *Manager) Cancel(intentID string) (bool, error) {
	m.mu.Lock()
	sess := m.session
	if sess == nil || (sess.IntentID != intentID && intentID != "") {
		m.mu.Unlock()
		return false, fmt.Errorf("no pending session for intent %s", intentID)
	}

	switch sess.Status {
	case StatusCreated, StatusCollecting:
		sess.Status = StatusCancelled
		cancelCollect := sess.collectCancel
		sess.collectCancel = nil
		m.mu.Unlock()

		if cancelCollect != nil {
			cancelCollect()
		}
		m.logger.Infof("Payment session %s cancelled", intentID)
		return true, nil
	case StatusConfirming:
		m.mu.Unlock()
		return false, nil
	default:
		m.mu.Unlock()
		return false, fmt.Errorf("session for intent %s already settled (%s)", intentID, sess.Status)
	}
}

// CurrentSession returns a copy of the most recent session, if any.
func (m *Manager) CurrentSession() *PaymentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copy := *m.session
	copy.collectCancel = nil
	return &copy
}

func (m *Manager) settleSession(sess *PaymentSession, status PaymentStatus) {
	m.mu.Lock()
	// A cancellation that already settled the session wins.
	if !sess.Status.terminal() {
		sess.Status = status
	}
	m.mu.Unlock()
}

// abandonIntent cancels an uncollected intent on the backend,
// best-effort.
func (m *Manager) abandonIntent(intentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.backend.CancelPaymentIntent(ctx, intentID); err != nil {
		m.logger.Warningf("Failed to cancel abandoned intent %s: %v", intentID, err)
	}
}

func (m *Manager) classifyPaymentError(stage, intentID string, err error) *PaymentError {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "card_declined" || apiErr.Code == "expired_card" {
			return &PaymentError{Kind: PaymentDeclined, Stage: stage, IntentID: intentID, Err: err}
		}
		if apiErr.StatusCode >= 500 {
			return &PaymentError{Kind: PaymentNetworkFailure, Stage: stage, IntentID: intentID, Err: err}
		}
		return &PaymentError{Kind: PaymentUnknown, Stage: stage, IntentID: intentID, Err: err}
	}
	if errors.Is(err, backend.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return &PaymentError{Kind: PaymentNetworkFailure, Stage: stage, IntentID: intentID, Err: err}
	}
	return &PaymentError{Kind: PaymentNetworkFailure, Stage: stage, IntentID: intentID, Err: err}
}
