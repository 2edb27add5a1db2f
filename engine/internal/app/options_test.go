package app

import (
	"context"
	"testing"

	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Options {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o := &Options{}
	o.Register(fs)
	require.NoError(t, fs.Parse(args))
	return o
}

func TestEarnings_App_Options(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o := parse(t)
		require.Equal(t, "direct", o.DepthPolicy)
		require.Equal(t, 8, o.MaxConcurrency)
		cfg := o.PostgresConfig(nil)
		require.Equal(t, "postgres://earnings:@localhost:5432/earnings?sslmode=disable", cfg.ConnString())
	})

	t.Run("environment overrides flags", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "postgres://u:p@db:5432/x")
		t.Setenv("MAX_CONCURRENCY", "3")
		t.Setenv("NEO4J_ANCESTORS", "true")
		t.Setenv("DEPTH_POLICY", "geometric:0.5")

		o := parse(t, "--postgres-url", "postgres://flag", "--max-concurrency", "12")
		require.NoError(t, o.ApplyEnv())
		require.Equal(t, "postgres://u:p@db:5432/x", o.PostgresURL)
		require.Equal(t, 3, o.MaxConcurrency)
		require.True(t, o.Neo4jAncestors)
		require.Equal(t, "geometric:0.5", o.DepthPolicy)
	})

	t.Run("invalid concurrency", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENCY", "many")
		o := parse(t)
		require.ErrorContains(t, o.ApplyEnv(), "invalid MAX_CONCURRENCY")
	})
}

func TestEarnings_App_Fees(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		o := parse(t)
		payoutFees, ledgerFees, err := o.Fees()
		require.NoError(t, err)
		require.Equal(t, money.Cents(320), payoutFees.Fee(10_000))
		require.True(t, ledgerFees.PlatformRate.IsZero())
	})

	t.Run("ledger rates", func(t *testing.T) {
		t.Parallel()
		o := parse(t, "--platform-fee-rate", "0.2", "--management-fee-rate", "0.05")
		_, ledgerFees, err := o.Fees()
		require.NoError(t, err)
		require.True(t, ledgerFees.PlatformRate.Equal(decimal.RequireFromString("0.2")))
		require.True(t, ledgerFees.ManagementRate.Equal(decimal.RequireFromString("0.05")))
	})

	t.Run("rejects bad rates", func(t *testing.T) {
		t.Parallel()
		_, _, err := parse(t, "--payout-fee-rate", "abc").Fees()
		require.ErrorContains(t, err, "invalid payout fee rate")
		_, _, err = parse(t, "--platform-fee-rate", "1.5").Fees()
		require.ErrorContains(t, err, "must be in [0, 1)")
	})
}

type mockAccounts struct {
	GetAccountStatusFunc func(ctx context.Context, creatorID string) (*transfer.AccountStatus, error)
}

func (m *mockAccounts) GetAccountStatus(ctx context.Context, creatorID string) (*transfer.AccountStatus, error) {
	return m.GetAccountStatusFunc(ctx, creatorID)
}

func TestEarnings_App_AccountRecipients(t *testing.T) {
	t.Parallel()

	accounts := &mockAccounts{GetAccountStatusFunc: func(_ context.Context, creatorID string) (*transfer.AccountStatus, error) {
		switch creatorID {
		case "c1":
			return &transfer.AccountStatus{CreatorID: "c1", Email: "c1@example.com", DisplayName: "Creator One"}, nil
		case "c2":
			return &transfer.AccountStatus{CreatorID: "c2"}, nil
		}
		return nil, transfer.ErrAccountNotFound
	}}
	resolver := AccountRecipients(accounts)

	got, err := resolver.Recipient(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, notify.Recipient{Name: "Creator One", Email: "c1@example.com"}, got)

	_, err = resolver.Recipient(t.Context(), "c2")
	require.ErrorIs(t, err, notify.ErrNoRecipient)

	_, err = resolver.Recipient(t.Context(), "c3")
	require.ErrorIs(t, err, transfer.ErrAccountNotFound)
}
