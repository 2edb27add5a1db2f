package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/payout"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	RunOnceFunc func(ctx context.Context) (*Report, error)
	calls       atomic.Int32
}

func (m *mockRunner) RunOnce(ctx context.Context) (*Report, error) {
	m.calls.Add(1)
	if m.RunOnceFunc == nil {
		return &Report{}, nil
	}
	return m.RunOnceFunc(ctx)
}

type mockReconciler struct {
	olderThan atomic.Int64
}

func (m *mockReconciler) Reconcile(_ context.Context, olderThan time.Duration) (*payout.ReconcileReport, error) {
	m.olderThan.Store(int64(olderThan))
	return &payout.ReconcileReport{}, nil
}

func TestEarnings_Schedule_CronConfig(t *testing.T) {
	t.Parallel()

	log := enginetesting.NewLogger()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := CronConfig{Logger: log, Runner: &mockRunner{}}
		require.NoError(t, cfg.Validate())
		require.Equal(t, "0 6 * * *", cfg.RunSpec)
		require.Equal(t, 15*time.Minute, cfg.ReconcileAfter)
		require.Equal(t, 30*time.Minute, cfg.JobTimeout)
	})

	t.Run("invalid specs", func(t *testing.T) {
		t.Parallel()
		cfg := CronConfig{Logger: log, Runner: &mockRunner{}, RunSpec: "every day"}
		require.ErrorContains(t, cfg.Validate(), "invalid run spec")

		cfg = CronConfig{Logger: log, Runner: &mockRunner{}, ReconcileSpec: "*/15 * * * *"}
		require.ErrorContains(t, cfg.Validate(), "reconciler is required")

		cfg = CronConfig{Logger: log, Runner: &mockRunner{}, Reconciler: &mockReconciler{}, ReconcileSpec: "61 * * * *"}
		require.ErrorContains(t, cfg.Validate(), "invalid reconcile spec")
	})

	t.Run("runner is required", func(t *testing.T) {
		t.Parallel()
		_, err := NewCronTrigger(CronConfig{Logger: log})
		require.ErrorContains(t, err, "scheduler runner is required")
	})
}

func TestEarnings_Schedule_CronTrigger(t *testing.T) {
	t.Parallel()

	t.Run("jobs call through", func(t *testing.T) {
		t.Parallel()
		runner := &mockRunner{RunOnceFunc: func(ctx context.Context) (*Report, error) {
			_, ok := ctx.Deadline()
			require.True(t, ok)
			return nil, ErrRunInProgress
		}}
		rec := &mockReconciler{}
		trigger, err := NewCronTrigger(CronConfig{
			Logger:         enginetesting.NewLogger(),
			Runner:         runner,
			Reconciler:     rec,
			ReconcileSpec:  "*/15 * * * *",
			ReconcileAfter: time.Hour,
		})
		require.NoError(t, err)
		require.Len(t, trigger.cron.Entries(), 2)

		trigger.runScheduler()
		trigger.runReconcile()
		require.EqualValues(t, 1, runner.calls.Load())
		require.Equal(t, int64(time.Hour), rec.olderThan.Load())
	})

	t.Run("start and stop", func(t *testing.T) {
		t.Parallel()
		runner := &mockRunner{RunOnceFunc: func(context.Context) (*Report, error) {
			return nil, errors.New("unexpected run")
		}}
		trigger, err := NewCronTrigger(CronConfig{Logger: enginetesting.NewLogger(), Runner: runner})
		require.NoError(t, err)

		trigger.Start(t.Context())
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		trigger.Stop(ctx)
		require.Zero(t, runner.calls.Load())
	})
}
