package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/core"
	"kiosk-terminal/internal/readers"
	"kiosk-terminal/internal/settings"
)

func bindReader(t *testing.T, r *rig) {
	t.Helper()
	_, err := r.manager.Bind(context.Background(), testLocation)
	require.NoError(t, err)
}

func waitForCollecting(t *testing.T, r *rig) string {
	t.Helper()
	var intentID string
	require.Eventually(t, func() bool {
		sess := r.manager.CurrentSession()
		if sess == nil || sess.Status != StatusCollecting || sess.IntentID == "" {
			return false
		}
		intentID = sess.IntentID
		return true
	}, 2*time.Second, 5*time.Millisecond, "session never reached collection")
	return intentID
}

func TestChargeSuccess(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
	}, nil)
	bindReader(t, r)

	outcome, err := r.manager.Charge(context.Background(), 1500, "usd", "donor@example.org")
	require.NoError(t, err)
	assert.Equal(t, backend.IntentStatusSucceeded, outcome.Status)
	assert.Equal(t, int64(1500), outcome.Amount)
	assert.Equal(t, "usd", outcome.Currency)

	require.Len(t, r.backend.created, 1)
	assert.Equal(t, "tmr_1", r.backend.created[0].ReaderID)
	assert.Equal(t, "donor@example.org", r.backend.created[0].ReceiptEmail)
	assert.NotEmpty(t, r.backend.created[0].IdempotencyKey)
	assert.Len(t, r.backend.confirmed, 1)

	sess := r.manager.CurrentSession()
	require.NotNil(t, sess)
	assert.Equal(t, StatusSucceeded, sess.Status)
}

func TestChargeRequiresBoundReader(t *testing.T) {
	r := newRig(t, nil, nil)

	_, err := r.manager.Charge(context.Background(), 500, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentReaderNotReady, perr.Kind)
}

func TestChargeRejectsInvalidAmount(t *testing.T) {
	r := newRig(t, nil, nil)

	_, err := r.manager.Charge(context.Background(), 0, "usd", "")
	require.Error(t, err)
	_, err = r.manager.Charge(context.Background(), -100, "usd", "")
	require.Error(t, err)
}

func TestChargeRejectsConcurrentSession(t *testing.T) {
	release := make(chan struct{})
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.driver.collectFn = func(ctx context.Context, intent *backend.PaymentIntent) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}, nil)
	bindReader(t, r)

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.manager.Charge(context.Background(), 1000, "usd", "")
		firstDone <- err
	}()
	waitForCollecting(t, r)

	_, err := r.manager.Charge(context.Background(), 2000, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentSessionInProgress, perr.Kind)
	assert.NotEmpty(t, perr.IntentID, "the rejection must name the in-flight intent")

	close(release)
	require.NoError(t, <-firstDone)
	assert.Len(t, r.backend.created, 1, "the rejected charge must not create an intent")
}

func TestChargeDeclined(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.driver.collectFn = func(ctx context.Context, intent *backend.PaymentIntent) error {
			return &readers.CollectFailure{Code: "card_declined", Message: "insufficient funds"}
		}
	}, nil)
	bindReader(t, r)

	_, err := r.manager.Charge(context.Background(), 1000, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentDeclined, perr.Kind)
	assert.Equal(t, "collect", perr.Stage)
	assert.Len(t, r.backend.cancelledIntents(), 1, "an uncollected intent must be cancelled on the backend")

	sess := r.manager.CurrentSession()
	require.NotNil(t, sess)
	assert.Equal(t, StatusFailed, sess.Status)
}

func TestChargeTapWindowExpires(t *testing.T) {
	defaults := &settings.TerminalSettings{
		LocationID:        testLocation,
		HeartbeatInterval: time.Hour,
		TapTimeout:        50 * time.Millisecond,
	}
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.driver.collectFn = func(ctx context.Context, intent *backend.PaymentIntent) error {
			// Nobody taps.
			<-ctx.Done()
			return ctx.Err()
		}
	}, defaults)
	bindReader(t, r)

	start := time.Now()
	_, err := r.manager.Charge(context.Background(), 1000, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentCancelled, perr.Kind)
	assert.Equal(t, "collect", perr.Stage)
	assert.Contains(t, err.Error(), "tap window expired")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, r.backend.cancelledIntents(), 1)
}

func TestCancelDuringCollection(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.driver.collectFn = func(ctx context.Context, intent *backend.PaymentIntent) error {
			<-ctx.Done()
			return ctx.Err()
		}
	}, nil)
	bindReader(t, r)

	done := make(chan error, 1)
	go func() {
		_, err := r.manager.Charge(context.Background(), 1000, "usd", "")
		done <- err
	}()
	intentID := waitForCollecting(t, r)

	ok, err := r.manager.Cancel(intentID)
	require.NoError(t, err)
	assert.True(t, ok)

	chargeErr := <-done
	var perr *PaymentError
	require.ErrorAs(t, chargeErr, &perr)
	assert.Equal(t, PaymentCancelled, perr.Kind)
	assert.Equal(t, intentID, perr.IntentID)

	sess := r.manager.CurrentSession()
	require.NotNil(t, sess)
	assert.Equal(t, StatusCancelled, sess.Status)
	assert.Equal(t, []string{intentID}, r.backend.cancelledIntents())
}

func TestCancelLandingAsTapSettlesIsHonored(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.driver.collectFn = func(ctx context.Context, intent *backend.PaymentIntent) error {
			// The operator cancels just as the tap lands: the cancel is
			// accepted, then the hardware still reports the collect as done.
			ok, err := r.manager.Cancel(intent.ID)
			if err != nil || !ok {
				return fmt.Errorf("cancel not accepted: ok=%v err=%v", ok, err)
			}
			return nil
		}
	}, nil)
	bindReader(t, r)

	_, err := r.manager.Charge(context.Background(), 1800, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentCancelled, perr.Kind)
	assert.Equal(t, "collect", perr.Stage)

	assert.Empty(t, r.backend.confirmed, "an accepted cancel must never be followed by confirmation")
	assert.Equal(t, []string{perr.IntentID}, r.backend.cancelledIntents())

	sess := r.manager.CurrentSession()
	require.NotNil(t, sess)
	assert.Equal(t, StatusCancelled, sess.Status)
}

func TestCancelUnknownIntent(t *testing.T) {
	r := newRig(t, nil, nil)

	ok, err := r.manager.Cancel("pi_nope")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestCancelSettledSession(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
	}, nil)
	bindReader(t, r)

	outcome, err := r.manager.Charge(context.Background(), 1000, "usd", "")
	require.NoError(t, err)

	ok, err := r.manager.Cancel(outcome.IntentID)
	assert.False(t, ok)
	assert.Error(t, err, "a settled session cannot be cancelled")
}

func TestChargeConfirmationDeclined(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.backend.confirmStatus = backend.IntentStatusRequiresPaymentMethod
	}, nil)
	bindReader(t, r)

	_, err := r.manager.Charge(context.Background(), 1000, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PaymentDeclined, perr.Kind)
	assert.Equal(t, "confirm", perr.Stage)
}

func TestChargeWritesAuditJournal(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
	}, nil)
	auditDir := t.TempDir()
	r.manager.SetAuditLog(core.NewAuditLogger(auditDir, 10, testLogger()))
	bindReader(t, r)

	_, err := r.manager.Charge(context.Background(), 1500, "usd", "")
	require.NoError(t, err)

	entries, err := os.ReadDir(auditDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(auditDir, entries[0].Name()))
	require.NoError(t, err)

	var rec core.PaymentRecord
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec))
	assert.Equal(t, "Succeeded", rec.Outcome)
	assert.Equal(t, "tmr_1", rec.ReaderID)
	assert.Equal(t, int64(1500), rec.Amount)
}

func TestChargeCreateIntentFailure(t *testing.T) {
	r := newRig(t, func(r *rig) {
		r.driver.candidates = []readers.Candidate{{ID: "tmr_1", Registered: false}}
		r.backend.createErr = errors.New("backend down")
	}, nil)
	bindReader(t, r)

	_, err := r.manager.Charge(context.Background(), 1000, "usd", "")
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create-intent", perr.Stage)
	assert.Equal(t, PaymentNetworkFailure, perr.Kind)

	_, err = r.manager.Charge(context.Background(), 1000, "usd", "")
	require.Error(t, err, "a settled failure must not block the next charge")
	require.ErrorAs(t, err, &perr)
	assert.NotEqual(t, PaymentSessionInProgress, perr.Kind)
}
