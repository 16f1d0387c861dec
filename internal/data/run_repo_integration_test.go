package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
	"github.com/netauto/conductor/internal/testutil"
)

func seedTemplate(t *testing.T, db *sql.DB, name string) *model.JobTemplate {
	t.Helper()
	tpl, err := NewTemplateRepo(db).Create(context.Background(), &model.CreateTemplateRequest{
		Name:      name,
		JobType:   "config_backup",
		IsGlobal:  true,
		CreatedBy: "tester",
	})
	require.NoError(t, err)
	return tpl
}

func seedSchedule(t *testing.T, db *sql.DB, templateID, name string) *model.JobSchedule {
	t.Helper()
	s, err := NewScheduleRepo(db).Create(context.Background(), &model.CreateScheduleRequest{
		Name:       name,
		TemplateID: templateID,
		CronExpr:   "*/5 * * * *",
		CreatedBy:  "tester",
	})
	require.NoError(t, err)
	return s
}

func seedRun(t *testing.T, repo *RunRepo, req *model.CreateRunRequest) *model.JobRun {
	t.Helper()
	if req.JobName == "" {
		req.JobName = "backup-core-switches"
	}
	if req.JobType == "" {
		req.JobType = "config_backup"
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "tester"
	}
	run, err := repo.Create(context.Background(), req)
	require.NoError(t, err)
	return run
}

func TestRunRepo_Integration_Lifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewRunRepo(db)
		ctx := context.Background()

		run := seedRun(t, repo, &model.CreateRunRequest{MaxRetries: 3})
		assert.Equal(t, model.RunStatusQueued, run.Status)
		assert.Nil(t, run.StartedAt)

		started, err := repo.Start(ctx, run.ID, "worker-1")
		require.NoError(t, err)
		assert.True(t, started)

		// A second Start must lose the guard.
		started, err = repo.Start(ctx, run.ID, "worker-2")
		require.NoError(t, err)
		assert.False(t, started)

		ok, err := repo.Succeed(ctx, run.ID, json.RawMessage(`{"devices": 12}`))
		require.NoError(t, err)
		assert.True(t, ok)

		final, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusSucceeded, final.Status)
		require.NotNil(t, final.CompletedAt)
		require.NotNil(t, final.DurationMillis)
		require.NotNil(t, final.ExecutedBy)
		assert.Equal(t, "worker-1", *final.ExecutedBy)
		assert.JSONEq(t, `{"devices": 12}`, string(final.Result))
	})
}

func TestRunRepo_Integration_TerminalStatesStick(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewRunRepo(db)
		ctx := context.Background()

		run := seedRun(t, repo, &model.CreateRunRequest{})
		ok, err := repo.Cancel(ctx, run.ID, nil)
		require.NoError(t, err)
		require.True(t, ok)

		// Every transition against a terminal run must be a no-op.
		started, err := repo.Start(ctx, run.ID, "worker-1")
		require.NoError(t, err)
		assert.False(t, started)

		failed, err := repo.Fail(ctx, core.FailRunParams{
			RunID: run.ID, ErrorCode: "execution_error", ErrorMessage: "late failure",
		})
		require.NoError(t, err)
		assert.False(t, failed)

		orphaned, err := repo.MarkOrphaned(ctx, run.ID, "sweep")
		require.NoError(t, err)
		assert.False(t, orphaned)

		final, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCancelled, final.Status)
		assert.Empty(t, final.ErrorCode)
	})
}

func TestRunRepo_Integration_DedupKeyConflict(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		tpl := seedTemplate(t, db, "dedup-template")
		sched := seedSchedule(t, db, tpl.ID, "dedup-schedule")
		repo := NewRunRepo(db)
		ctx := context.Background()

		fireAt := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
		req := &model.CreateRunRequest{
			JobScheduleID: &sched.ID,
			JobTemplateID: &tpl.ID,
			JobName:       "dedup-schedule",
			JobType:       "config_backup",
			TriggeredBy:   model.TriggeredByScheduler,
			ScheduledFor:  &fireAt,
		}

		first, err := repo.Create(ctx, req)
		require.NoError(t, err)

		_, err = repo.Create(ctx, req)
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
		assert.True(t, apperrors.IsUniqueViolation(err))

		survivor, err := repo.GetByDedupKey(ctx, sched.ID, fireAt)
		require.NoError(t, err)
		assert.Equal(t, first.ID, survivor.ID)
	})
}

func TestRunRepo_Integration_RequeueBudget(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewRunRepo(db)
		ctx := context.Background()

		run := seedRun(t, repo, &model.CreateRunRequest{MaxRetries: 1})

		started, err := repo.Start(ctx, run.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, started)

		requeued, err := repo.Requeue(ctx, run.ID, "worker lost connection")
		require.NoError(t, err)
		assert.True(t, requeued)

		mid, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusQueued, mid.Status)
		assert.Equal(t, 1, mid.RetryCount)
		assert.Nil(t, mid.StartedAt)
		assert.Nil(t, mid.ExecutedBy)

		// Budget exhausted: a second transient failure can no longer requeue.
		started, err = repo.Start(ctx, run.ID, "worker-2")
		require.NoError(t, err)
		require.True(t, started)

		requeued, err = repo.Requeue(ctx, run.ID, "worker lost connection again")
		require.NoError(t, err)
		assert.False(t, requeued)
	})
}

func TestRunRepo_Integration_ListFiltersAndStats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewRunRepo(db)
		ctx := context.Background()

		for i := range 3 {
			run := seedRun(t, repo, &model.CreateRunRequest{
				JobName: fmt.Sprintf("run-%d", i),
			})
			if i == 0 {
				started, err := repo.Start(ctx, run.ID, "worker-1")
				require.NoError(t, err)
				require.True(t, started)
			}
		}

		page, err := repo.List(ctx, &model.RunQuery{Status: model.RunStatusQueued})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		assert.Len(t, page.Runs, 2)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Queued)
		assert.Equal(t, 1, stats.Running)
	})
}

func TestRunRepo_Integration_FindStaleAndMarkOrphaned(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewRunRepoWithTimeProvider(db, tp)
		ctx := context.Background()

		run := seedRun(t, repo, &model.CreateRunRequest{})
		started, err := repo.Start(ctx, run.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, started)

		// Stamp updated_at in the past so the sweep cutoff catches it.
		_, err = db.ExecContext(ctx,
			`UPDATE job_runs SET updated_at = now() - interval '1 hour' WHERE id = $1`, run.ID)
		require.NoError(t, err)

		stale, err := repo.FindStale(ctx, core.StaleRunQuery{
			Status: model.RunStatusRunning,
			Before: time.Now().Add(-10 * time.Minute),
			Limit:  10,
		})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, run.ID, stale[0].ID)

		ok, err := repo.MarkOrphaned(ctx, run.ID, "no heartbeat for 1h")
		require.NoError(t, err)
		assert.True(t, ok)

		// Second sweep is idempotent.
		ok, err = repo.MarkOrphaned(ctx, run.ID, "no heartbeat for 1h")
		require.NoError(t, err)
		assert.False(t, ok)

		final, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, final.Status)
		assert.Equal(t, "orphaned_run", final.ErrorCode)
	})
}
