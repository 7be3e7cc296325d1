package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
)

const registrationKey = "reader_registration"

// ReaderRegistration is the durable record of which backend reader this
// device last bound as. The reader identifier is assigned by the backend
// and treated as authoritative until a reconnection attempt proves it
// unknown; it is never overwritten speculatively.
type ReaderRegistration struct {
	ReaderID   string    `json:"reader_id"`
	LocationID string    `json:"location_id"`
	LastSeen   time.Time `json:"last_seen"`
}

// RegistrationStore persists the single ReaderRegistration across process
// restarts and app reinstalls. Writes go through the lifecycle manager
// only; reads are safe from any goroutine.
type RegistrationStore struct {
	db     *badger.DB
	ctx    context.Context
	cancel context.CancelFunc
	logger *goeen_log.Logger
}

func NewRegistrationStore(dir string, logger *goeen_log.Logger) (*RegistrationStore, error) {
	// Check for stale lock file and attempt cleanup
	if err := cleanupStaleLock(dir, logger); err != nil {
		logger.Warningf("Failed to cleanup potential stale lock: %v", err)
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20). // 1MB value log files
		WithMemTableSize(8 << 20).     // tiny dataset, keep memory small
		WithNumMemtables(2).
		WithNumCompactors(2).
		WithSyncWrites(true). // a lost registration means a duplicate reader
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &RegistrationStore{
		db:     db,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	go store.maintenanceWorker()

	return store, nil
}

// Load returns the persisted registration, if any.
func (s *RegistrationStore) Load() (*ReaderRegistration, bool, error) {
	var reg ReaderRegistration
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(registrationKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &reg); err != nil {
				return fmt.Errorf("corrupt registration record: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load registration: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &reg, true, nil
}

// Save overwrites the registration atomically. There is exactly one
// record, so a successful fresh registration always replaces, never
// appends.
func (s *RegistrationStore) Save(reg ReaderRegistration) error {
	if reg.ReaderID == "" || reg.LocationID == "" {
		return fmt.Errorf("refusing to persist incomplete registration %+v", reg)
	}

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(registrationKey), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store registration: %w", err)
	}

	s.logger.Debugf("Persisted registration: reader %s at location %s", reg.ReaderID, reg.LocationID)
	return nil
}

// Clear deletes the registration. Called only when the backend no longer
// recognizes the stored reader identifier.
func (s *RegistrationStore) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(registrationKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear registration: %w", err)
	}

	s.logger.Infof("Cleared persisted reader registration")
	return nil
}

func (s *RegistrationStore) maintenanceWorker() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				s.logger.Errorf("Registration store value log GC failed: %v", err)
			}
		}
	}
}

// GetStats reports on-disk store size for the /status diagnostics.
func (s *RegistrationStore) GetStats() map[string]interface{} {
	lsm, vlog := s.db.Size()
	return map[string]interface{}{
		"lsm_size_bytes":  lsm,
		"vlog_size_bytes": vlog,
	}
}

func (s *RegistrationStore) Close() error {
	s.cancel()
	return s.db.Close()
}

// cleanupStaleLock attempts to remove stale BadgerDB lock files
// This is safe because we're checking if the process is actually running
func cleanupStaleLock(dir string, logger *goeen_log.Logger) error {
	lockFile := filepath.Join(dir, "LOCK")

	// Check if lock file exists
	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		return nil // No lock file, nothing to clean
	}

	// The kiosk shell restarts this daemon after crashes; any previous
	// instance that held the lock was killed ungracefully. If another
	// process were actually using it, Open() would fail anyway.
	logger.Infof("Found potential stale lock file, attempting cleanup: %s", lockFile)

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	logger.Infof("Successfully removed stale lock file: %s", lockFile)
	return nil
}
