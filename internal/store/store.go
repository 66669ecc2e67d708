// Package store persists the last committed status checkpoint of every action
// so that an in-flight cycle can be finished after the daemon restarts.
package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/knotify/internal/model"
)

const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"
)

// Entry is one durable checkpoint. Status holds the raw persisted string,
// which may be unknown to this build; callers check it with
// model.IsKnownStatus before acting on it.
type Entry struct {
	ActionID int
	Status   model.Status
	ResumeAt time.Time
}

// Remaining returns how long the checkpoint stays in force after now.
func (e Entry) Remaining(now time.Time) time.Duration {
	return e.ResumeAt.Sub(now)
}

// StatusStore is the durable mapping action id → (status, resume-at).
type StatusStore interface {
	// Get returns the entry for id; ok is false when nothing is stored.
	Get(id int) (entry Entry, ok bool, err error)
	// Set replaces the entry for id.
	Set(id int, status model.Status, resumeAt time.Time) error
	// Clear removes the entry for id. Clearing a missing entry is not an error.
	Clear(id int) error
	// List returns all entries ordered by action id.
	List() ([]Entry, error)
	Close() error
}

// Open opens the backend selected in cfg under <baseDir>/state.
func Open(cfg model.StoreConfig, baseDir string) (StatusStore, error) {
	stateDir := filepath.Join(baseDir, "state")
	switch cfg.Backend {
	case "", BackendYAML:
		return NewYAMLStore(baseDir, filepath.Join(stateDir, "status.yaml")), nil
	case BackendSQLite:
		return OpenSQLite(filepath.Join(stateDir, "status.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
