package model

import "time"

// ProgressSnapshot is an ephemeral, in-memory view of a running JobRun's
// progress. It is written exclusively by the executing worker and read by any
// number of concurrent pollers. Snapshots are discarded once a run reaches a
// terminal state; the final outcome lives in JobRun.Result instead.
type ProgressSnapshot struct {
	RunID     string    `json:"run_id"`
	Percent   float64   `json:"percent"`
	Step      string    `json:"step"`
	UpdatedAt time.Time `json:"updated_at"`
}
