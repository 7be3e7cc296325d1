package core

import (
	"os"
	"testing"
	"time"

	"github.com/eencloud/goeen/log"
)

func testLogger() *log.Logger {
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	customContext := log.NewContext(os.Stderr, customFormat, log.LevelError)
	return customContext.GetLogger("test", log.LevelError)
}

func TestRegistrationStore_SaveAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "registration_store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.Errorf("Failed to clean up temp dir: %v", err)
		}
	}()

	store, err := NewRegistrationStore(tmpDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	}()

	_, found, err := store.Load()
	if err != nil {
		t.Errorf("Load on empty store failed: %v", err)
	}
	if found {
		t.Error("Expected no registration in a fresh store")
	}

	reg := ReaderRegistration{
		ReaderID:   "tmr_FoghE7Tt1mNkWl",
		LocationID: "tml_GKsXoQ8u9cFZJF",
		LastSeen:   time.Now(),
	}
	if err := store.Save(reg); err != nil {
		t.Errorf("Save failed: %v", err)
	}

	loaded, found, err := store.Load()
	if err != nil {
		t.Errorf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("Expected a registration after save")
	}
	if loaded.ReaderID != reg.ReaderID || loaded.LocationID != reg.LocationID {
		t.Errorf("Loaded registration %+v does not match saved %+v", loaded, reg)
	}
}

func TestRegistrationStore_SaveOverwrites(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "registration_store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	store, err := NewRegistrationStore(tmpDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	first := ReaderRegistration{ReaderID: "tmr_first", LocationID: "tml_1", LastSeen: time.Now()}
	second := ReaderRegistration{ReaderID: "tmr_second", LocationID: "tml_1", LastSeen: time.Now()}

	if err := store.Save(first); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(second); err != nil {
		t.Fatal(err)
	}

	loaded, found, err := store.Load()
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if loaded.ReaderID != "tmr_second" {
		t.Errorf("Expected overwrite to win, got reader %s", loaded.ReaderID)
	}
}

func TestRegistrationStore_Clear(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "registration_store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	store, err := NewRegistrationStore(tmpDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	// Clear on empty store should not error
	if err := store.Clear(); err != nil {
		t.Errorf("Clear on empty store failed: %v", err)
	}

	reg := ReaderRegistration{ReaderID: "tmr_x", LocationID: "tml_1", LastSeen: time.Now()}
	if err := store.Save(reg); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("Clear failed: %v", err)
	}

	_, found, err := store.Load()
	if err != nil {
		t.Errorf("Load after clear failed: %v", err)
	}
	if found {
		t.Error("Expected no registration after clear")
	}
}

func TestRegistrationStore_GetStats(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "registration_store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	store, err := NewRegistrationStore(tmpDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	stats := store.GetStats()
	for _, key := range []string{"lsm_size_bytes", "vlog_size_bytes"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Expected stats key %q, got %v", key, stats)
		}
	}
}

func TestRegistrationStore_RejectsIncompleteRecord(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "registration_store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	store, err := NewRegistrationStore(tmpDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Save(ReaderRegistration{ReaderID: "", LocationID: "tml_1"}); err == nil {
		t.Error("Expected error saving registration without reader id")
	}
}
