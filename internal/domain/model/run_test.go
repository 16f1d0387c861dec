package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusQueued.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusSucceeded.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestRunStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    RunStatus
		to      RunStatus
		allowed bool
	}{
		{"queued to running", RunStatusQueued, RunStatusRunning, true},
		{"queued to cancelled", RunStatusQueued, RunStatusCancelled, true},
		{"queued to failed (dispatch failure)", RunStatusQueued, RunStatusFailed, true},
		{"queued to succeeded skips running", RunStatusQueued, RunStatusSucceeded, false},
		{"running to succeeded", RunStatusRunning, RunStatusSucceeded, true},
		{"running to failed", RunStatusRunning, RunStatusFailed, true},
		{"running to cancelled", RunStatusRunning, RunStatusCancelled, true},
		{"running back to queued", RunStatusRunning, RunStatusQueued, false},
		{"succeeded is sticky", RunStatusSucceeded, RunStatusCancelled, false},
		{"failed is sticky", RunStatusFailed, RunStatusRunning, false},
		{"cancelled is sticky", RunStatusCancelled, RunStatusSucceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJobRun_Duration(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	run := &JobRun{StartedAt: &start, CompletedAt: &end}
	d, ok := run.Duration()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	run = &JobRun{StartedAt: &start}
	_, ok = run.Duration()
	assert.False(t, ok)
}

func TestCreateRunRequest_Validate(t *testing.T) {
	scheduledFor := time.Now()

	tests := []struct {
		name        string
		req         CreateRunRequest
		expectError string
	}{
		{
			name: "valid ad hoc run",
			req: CreateRunRequest{
				JobName:     "ad hoc ping",
				JobType:     "example",
				TriggeredBy: "alice",
			},
		},
		{
			name: "missing job name",
			req: CreateRunRequest{
				JobType:     "example",
				TriggeredBy: "alice",
			},
			expectError: "job name is required",
		},
		{
			name: "missing triggered_by",
			req: CreateRunRequest{
				JobName: "x",
				JobType: "example",
			},
			expectError: "triggered_by is required",
		},
		{
			name: "scheduled_for without schedule id",
			req: CreateRunRequest{
				JobName:      "x",
				JobType:      "example",
				TriggeredBy:  TriggeredByScheduler,
				ScheduledFor: &scheduledFor,
			},
			expectError: "scheduled_for requires a job_schedule_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.expectError == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
			}
		})
	}
}

func TestRunQuery_Normalize(t *testing.T) {
	q := RunQuery{Page: 0, PerPage: 0}
	q.Normalize()
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, defaultPerPage, q.PerPage)
	assert.Equal(t, 0, q.Offset())

	q = RunQuery{Page: 3, PerPage: 1000}
	q.Normalize()
	assert.Equal(t, maxPerPage, q.PerPage)
	assert.Equal(t, 2*maxPerPage, q.Offset())
}
