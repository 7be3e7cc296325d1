package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
)

// PaymentRecord is one settled payment session as written to the audit
// journal: succeeded, declined, cancelled or failed.
type PaymentRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IntentID  string    `json:"intent_id,omitempty"`
	ReaderID  string    `json:"reader_id,omitempty"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Outcome   string    `json:"outcome"`
	Stage     string    `json:"stage,omitempty"`
}

// AuditLogger keeps an append-only JSONL journal of payment outcomes so
// operators can reconcile kiosk captures against backend settlement
// reports. Files rotate by size and are named per hour; rotated files
// are left in place for collection.
type AuditLogger struct {
	logDir    string
	maxSizeMB int64
	mutex     sync.Mutex
	logger    *goeen_log.Logger
}

func NewAuditLogger(logDir string, maxSizeMB int64, logger *goeen_log.Logger) *AuditLogger {
	_ = os.MkdirAll(logDir, 0o755)
	return &AuditLogger{
		logDir:    logDir,
		maxSizeMB: maxSizeMB,
		logger:    logger,
	}
}

// LogPayment appends one record to the current journal file.
func (a *AuditLogger) LogPayment(rec PaymentRecord) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	entryBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	entryBytes = append(entryBytes, '\n')

	filename := a.getCurrentLogFile()
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err = file.Write(entryBytes); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	if err := a.checkRotation(filename); err != nil {
		a.logger.Errorf("Audit rotation error: %v", err)
	}

	return nil
}

func (a *AuditLogger) getCurrentLogFile() string {
	return filepath.Join(a.logDir, fmt.Sprintf("payments_%s.jsonl", time.Now().Format("20060102_15")))
}

func (a *AuditLogger) checkRotation(filename string) error {
	stat, err := os.Stat(filename)
	if err != nil {
		return err
	}

	sizeMB := stat.Size() / (1024 * 1024)
	if sizeMB >= a.maxSizeMB {
		return a.rotateLog(filename)
	}

	return nil
}

func (a *AuditLogger) rotateLog(filename string) error {
	timestamp := time.Now().Format("20060102_150405")

	rotatedFile := fmt.Sprintf("%s.rotated_%s", filename, timestamp)

	if err := os.Rename(filename, rotatedFile); err != nil {
		return fmt.Errorf("failed to rotate journal file: %w", err)
	}

	a.logger.Infof("Rotated payment journal: %s -> %s", filename, rotatedFile)

	return nil
}

func (a *AuditLogger) GetStats() map[string]interface{} {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	currentFile := a.getCurrentLogFile()
	var currentSize int64
	if stat, err := os.Stat(currentFile); err == nil {
		currentSize = stat.Size()
	}

	return map[string]interface{}{
		"current_file":    currentFile,
		"current_size_mb": currentSize / (1024 * 1024),
		"max_size_mb":     a.maxSizeMB,
		"rotation_needed": currentSize >= (a.maxSizeMB * 1024 * 1024),
	}
}
