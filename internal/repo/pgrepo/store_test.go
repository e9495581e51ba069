package pgrepo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crmflow/internal/domain"
	"crmflow/internal/store"
)

const ts = "2024-01-01T00:00:00Z"

func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("crmflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, connStr, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPipeline(t *testing.T, s *Store) (domain.PipelineStage, domain.PipelineStage) {
	t.Helper()
	ctx := context.Background()
	a := domain.PipelineStage{ID: "stage-a", PipelineID: "p1", Name: "Application", Order: 1, CreatedAt: ts}
	b := domain.PipelineStage{ID: "stage-b", PipelineID: "p1", Name: "Licensing", Order: 2, CreatedAt: ts}
	days := 5
	err := s.Tx(ctx, func(tx store.Tx) error {
		if err := tx.InsertPipeline(ctx, domain.Pipeline{ID: "p1", Name: "Default", CreatedAt: ts}); err != nil {
			return err
		}
		for _, st := range []domain.PipelineStage{b, a} {
			if err := tx.InsertStage(ctx, st); err != nil {
				return err
			}
		}
		for _, tpl := range []domain.TaskTemplate{
			{ID: "t1", Name: "Background check", Category: "compliance", IsActive: true, CreatedAt: ts},
			{ID: "t2", Name: "Legacy form", IsActive: false, CreatedAt: ts},
		} {
			if err := tx.InsertTemplate(ctx, tpl); err != nil {
				return err
			}
		}
		if err := tx.InsertTaskSet(ctx, domain.TaskSet{ID: "ts1", Name: "Intake"}); err != nil {
			return err
		}
		if err := tx.AddTemplateToSet(ctx, "ts1", "t2", 2); err != nil {
			return err
		}
		if err := tx.AddTemplateToSet(ctx, "ts1", "t1", 1); err != nil {
			return err
		}
		return tx.AttachTaskSet(ctx, domain.StageTaskSet{StageID: a.ID, TaskSet: domain.TaskSet{ID: "ts1"}, Order: 1, IsRequired: true, DefaultDueDays: &days})
	})
	require.NoError(t, err)
	return a, b
}

func TestPostgresStore(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	a, b := seedPipeline(t, s)

	t.Run("stages and next stage", func(t *testing.T) {
		err := s.Tx(ctx, func(tx store.Tx) error {
			stages, err := tx.ListStages(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, stages, 2)
			assert.Equal(t, a.ID, stages[0].ID)

			next, err := tx.NextStage(ctx, "p1", a.Order)
			require.NoError(t, err)
			assert.Equal(t, b.ID, next.ID)

			_, err = tx.NextStage(ctx, "p1", b.Order)
			assert.ErrorIs(t, err, store.ErrNotFound)
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("stage task sets carry templates in set order", func(t *testing.T) {
		err := s.Tx(ctx, func(tx store.Tx) error {
			sets, err := tx.StageTaskSets(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, sets, 1)
			require.NotNil(t, sets[0].DefaultDueDays)
			assert.Equal(t, 5, *sets[0].DefaultDueDays)
			require.Len(t, sets[0].TaskSet.Templates, 2)
			assert.Equal(t, "t1", sets[0].TaskSet.Templates[0].Template.ID)
			assert.False(t, sets[0].TaskSet.Templates[1].Template.IsActive)
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("onboarding versioning and tasks", func(t *testing.T) {
		agentID := uuid.NewString()
		o := domain.AgentOnboarding{AgentID: agentID, PipelineID: "p1", Status: domain.StatusInvited, CreatedAt: ts, UpdatedAt: ts}
		err := s.Tx(ctx, func(tx store.Tx) error {
			if err := tx.InsertOnboarding(ctx, o); err != nil {
				return err
			}
			locked, err := tx.LockOnboarding(ctx, agentID)
			if err != nil {
				return err
			}
			locked.CurrentStageID = &a.ID
			locked.Status = domain.StatusOnboardingStarted
			updated, err := tx.UpdateOnboarding(ctx, locked)
			if err != nil {
				return err
			}
			assert.Equal(t, int64(1), updated.Version)

			_, err = tx.UpdateOnboarding(ctx, locked)
			assert.ErrorIs(t, err, store.ErrConflict)

			return tx.InsertTasks(ctx, []domain.Task{
				{ID: uuid.NewString(), AgentID: agentID, TemplateID: "t1", StageID: a.ID, TaskSetID: "ts1", Title: "Background check", CreatedAt: ts},
			})
		})
		require.NoError(t, err)

		err = s.Tx(ctx, func(tx store.Tx) error {
			got, err := tx.GetOnboarding(ctx, agentID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusOnboardingStarted, got.Status)
			require.NotNil(t, got.CurrentStageID)
			assert.Equal(t, a.ID, *got.CurrentStageID)

			tasks, err := tx.ListTasks(ctx, store.TaskFilter{AgentID: agentID, StageID: a.ID})
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Nil(t, tasks[0].DueDate)
			assert.Equal(t, "", tasks[0].Description)
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("rollback on error", func(t *testing.T) {
		agentID := uuid.NewString()
		boom := errors.New("boom")
		err := s.Tx(ctx, func(tx store.Tx) error {
			if err := tx.InsertOnboarding(ctx, domain.AgentOnboarding{AgentID: agentID, PipelineID: "p1", Status: domain.StatusInvited, CreatedAt: ts, UpdatedAt: ts}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = s.Tx(ctx, func(tx store.Tx) error {
			_, err := tx.GetOnboarding(ctx, agentID)
			return err
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate key is a conflict", func(t *testing.T) {
		err := s.Tx(ctx, func(tx store.Tx) error {
			return tx.InsertPipeline(ctx, domain.Pipeline{ID: "p1", Name: "Again", CreatedAt: ts})
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})
}
