package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/creatorhub/earnings/engine/pkg/postgres/pgtesting"
	"github.com/creatorhub/earnings/engine/pkg/referral"
	"github.com/creatorhub/earnings/engine/pkg/schedule"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testDB *pgtesting.DB

func TestMain(m *testing.M) {
	log := enginetesting.NewLogger()

	var err error
	testDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

type mockExecutor struct{}

func (mockExecutor) CreateTransfer(_ context.Context, in transfer.Input) (*transfer.Result, error) {
	return &transfer.Result{TransferID: "tr_" + in.Group[:8], Amount: in.Amount}, nil
}

func (mockExecutor) FindTransfer(context.Context, string) (*transfer.Result, error) {
	return nil, transfer.ErrTransferNotFound
}

type mockAccounts struct{}

func (mockAccounts) GetAccountStatus(_ context.Context, creatorID string) (*transfer.AccountStatus, error) {
	return &transfer.AccountStatus{CreatorID: creatorID, ExternalAccountID: "acct_" + creatorID, PayoutsEnabled: true}, nil
}

func newTestEngine(t *testing.T) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := enginetesting.NewFakeClock()
	e, err := New(Config{
		Logger:   enginetesting.NewLogger(),
		Clock:    clock,
		Pool:     pgtesting.NewTestPool(t, testDB),
		Executor: mockExecutor{},
		Accounts: mockAccounts{},
		LedgerFees: ledger.FeeSchedule{
			PlatformRate:   decimal.RequireFromString("0.20"),
			ManagementRate: decimal.RequireFromString("0.05"),
		},
	})
	require.NoError(t, err)
	return e, clock
}

func TestEarnings_Engine_Config(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: enginetesting.NewLogger()}
	require.ErrorContains(t, cfg.Validate(), "postgres pool is required")
}

func TestEarnings_Engine_Accrue(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)

	got, err := e.Accrue(t.Context(), Accrual{
		CreatorID:  "c1",
		OccurredAt: clock.Now(),
		Breakdown:  ledger.Breakdown{Subscription: 8_000, Tip: 2_000},
		ApplyFees:  true,
	})
	require.NoError(t, err)
	require.Equal(t, money.Cents(10_000), got.GrossEarnings)
	require.Equal(t, money.Cents(2_000), got.Breakdown.PlatformFee)
	require.Equal(t, money.Cents(500), got.Breakdown.ManagementFee)
	require.Equal(t, money.Cents(7_500), got.NetEarnings)
	require.Equal(t, "2026-03-01", got.Period.Start.Format(time.DateOnly))

	_, err = e.Accrue(t.Context(), Accrual{OccurredAt: clock.Now()})
	require.ErrorContains(t, err, "invalid accrual")
}

func TestEarnings_Engine_ApproveConversion(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	ctx := t.Context()

	_, err := e.Referrals.UpsertProgram(ctx, referral.Program{
		Name:              "Creator referrals",
		CommissionRate:    decimal.RequireFromString("0.20"),
		CommissionType:    referral.CommissionPercentage,
		NetworkDepthLimit: 1,
		IsActive:          true,
	})
	require.NoError(t, err)
	_, err = e.Referrals.CreateEdge(ctx, "r1", "u1")
	require.NoError(t, err)

	results, err := e.Calculator.Compute(ctx, referral.ConversionEvent{
		EventID:     "evt-1",
		Type:        "subscription",
		GrossAmount: 10_000,
		RefereeID:   "u1",
		OccurredAt:  clock.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, money.Cents(2_000), results[0].Amount)

	conv, row, err := e.ApproveConversion(ctx, results[0].ConversionID)
	require.NoError(t, err)
	require.Equal(t, referral.ConversionApproved, conv.Status)
	require.Equal(t, "r1", row.CreatorID)
	require.Equal(t, money.Cents(2_000), row.Breakdown.Commission)
	require.Equal(t, money.Cents(2_000), row.NetEarnings)

	_, _, err = e.ApproveConversion(ctx, results[0].ConversionID)
	require.ErrorIs(t, err, referral.ErrInvalidTransition)

	rows, err := e.Ledger.ListByCreator(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, money.Cents(2_000), rows[0].NetEarnings)
	require.NotNil(t, conv.EarningsID)
	require.Equal(t, row.ID, *conv.EarningsID)

	t.Run("paying the ledger row settles the conversion", func(t *testing.T) {
		admin := payout.Actor{ID: "ops-1", Role: payout.RoleAdmin}
		req, err := e.Workflow.Create(ctx, payout.CreateInput{
			CreatorID:  "r1",
			EarningsID: row.ID,
			Type:       payout.RequestTypeManual,
			Actor:      admin,
		})
		require.NoError(t, err)

		got, err := e.Referrals.GetConversion(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, referral.ConversionApproved, got.Status)

		paid, err := e.Workflow.Approve(ctx, req.ID, admin)
		require.NoError(t, err)
		require.Equal(t, payout.StatusPaid, paid.Status)

		got, err = e.Referrals.GetConversion(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, referral.ConversionPaid, got.Status)

		_, err = e.Referrals.SetConversionStatus(ctx, e.cfg.Pool, conv.ID, referral.ConversionPaid)
		require.ErrorIs(t, err, referral.ErrInvalidTransition)
	})
}

func TestEarnings_Engine_ScheduledPayout(t *testing.T) {
	t.Parallel()
	e, clock := newTestEngine(t)
	ctx := t.Context()

	_, err := e.Accrue(ctx, Accrual{
		CreatorID:  "c1",
		OccurredAt: clock.Now().AddDate(0, -1, 0),
		Breakdown:  ledger.Breakdown{Subscription: 10_000},
	})
	require.NoError(t, err)
	_, err = e.Schedules.Upsert(ctx, schedule.Schedule{
		CreatorID:           "c1",
		Frequency:           schedule.FrequencyMonthly,
		DayOfMonth:          intp(16),
		MinimumPayoutAmount: 5_000,
		AutoPayout:          true,
		Active:              true,
		NextPayoutDate:      schedule.Date(clock.Now()),
	})
	require.NoError(t, err)

	rep, err := e.Scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Processed)

	reqs, err := e.Payouts.ListByCreator(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, payout.StatusPaid, reqs[0].Status)
	require.Equal(t, money.Cents(9_680), reqs[0].NetPayoutAmount)

	s, err := e.Schedules.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "2026-04-16", s.NextPayoutDate.Format(time.DateOnly))
}

func intp(v int) *int { return &v }
