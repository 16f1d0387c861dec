// Package progress maintains in-memory progress snapshots for in-flight job
// runs. Progress is advisory and intentionally not persisted; the run record
// stays the source of truth for outcomes.
package progress

import (
	"sync"
	"time"

	"github.com/netauto/conductor/internal/domain/model"
)

// Tracker stores the latest progress snapshot per run behind an RWMutex so
// polling readers never block the worker's update path for long.
type Tracker struct {
	mu        sync.RWMutex
	snapshots map[string]model.ProgressSnapshot
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{snapshots: make(map[string]model.ProgressSnapshot)}
}

// Update records progress for a run. Updates arriving out of order are
// resolved by timestamp: an update older than the stored snapshot is dropped,
// so progress percent never moves backwards from reordered delivery.
func (t *Tracker) Update(runID string, percent float64, step string, at time.Time) {
	if runID == "" {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.snapshots[runID]; ok && at.Before(cur.UpdatedAt) {
		return
	}
	t.snapshots[runID] = model.ProgressSnapshot{
		RunID:     runID,
		Percent:   percent,
		Step:      step,
		UpdatedAt: at,
	}
}

// Snapshot returns the current snapshot for a run, or false when the run is
// not tracked. Snapshots are values; callers can hold them freely.
func (t *Tracker) Snapshot(runID string) (model.ProgressSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[runID]
	return snap, ok
}

// SnapshotAll returns snapshots for the tracked subset of runIDs under a
// single read lock. Untracked IDs are simply omitted.
func (t *Tracker) SnapshotAll(runIDs []string) map[string]model.ProgressSnapshot {
	out := make(map[string]model.ProgressSnapshot, len(runIDs))

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range runIDs {
		if snap, ok := t.snapshots[id]; ok {
			out[id] = snap
		}
	}
	return out
}

// Forget discards a run's snapshot. Called when the run reaches a terminal
// state so the map never grows with completed runs.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.snapshots, runID)
}

// Len reports how many runs are currently tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.snapshots)
}
