package payout

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/postgres/pgtesting"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
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

type mockExecutor struct {
	CreateTransferFunc func(ctx context.Context, in transfer.Input) (*transfer.Result, error)
	FindTransferFunc   func(ctx context.Context, group string) (*transfer.Result, error)

	mu    sync.Mutex
	calls []transfer.Input
}

func (m *mockExecutor) CreateTransfer(ctx context.Context, in transfer.Input) (*transfer.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in)
	m.mu.Unlock()
	if m.CreateTransferFunc == nil {
		return &transfer.Result{TransferID: "tr_" + in.Group[:8], Amount: in.Amount, Created: enginetesting.Epoch}, nil
	}
	return m.CreateTransferFunc(ctx, in)
}

func (m *mockExecutor) FindTransfer(ctx context.Context, group string) (*transfer.Result, error) {
	if m.FindTransferFunc == nil {
		return nil, transfer.ErrTransferNotFound
	}
	return m.FindTransferFunc(ctx, group)
}

func (m *mockExecutor) Calls() []transfer.Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transfer.Input(nil), m.calls...)
}

type mockAccounts struct {
	GetAccountStatusFunc func(ctx context.Context, creatorID string) (*transfer.AccountStatus, error)
}

func (m *mockAccounts) GetAccountStatus(ctx context.Context, creatorID string) (*transfer.AccountStatus, error) {
	if m.GetAccountStatusFunc == nil {
		return &transfer.AccountStatus{CreatorID: creatorID, ExternalAccountID: "acct_" + creatorID, PayoutsEnabled: true}, nil
	}
	return m.GetAccountStatusFunc(ctx, creatorID)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.PayoutEvent
}

func (n *recordingNotifier) NotifyPayout(_ context.Context, ev notify.PayoutEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) NotifyRun(context.Context, notify.RunSummary) error { return nil }

func (n *recordingNotifier) Kinds() []notify.PayoutEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.PayoutEventKind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	pool     *pgxpool.Pool
	clock    *clockwork.FakeClock
	ledger   *ledger.Store
	store    *Store
	workflow *Workflow
	exec     *mockExecutor
	accounts *mockAccounts
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := enginetesting.NewLogger()
	f := &fixture{
		pool:     pgtesting.NewTestPool(t, testDB),
		clock:    enginetesting.NewFakeClock(),
		exec:     &mockExecutor{},
		accounts: &mockAccounts{},
		notifier: &recordingNotifier{},
	}

	var err error
	f.ledger, err = ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: f.pool, Clock: f.clock})
	require.NoError(t, err)
	f.store, err = NewStore(StoreConfig{Logger: log, Pool: f.pool, Clock: f.clock})
	require.NoError(t, err)
	f.workflow, err = NewWorkflow(WorkflowConfig{
		Logger:          log,
		Pool:            f.pool,
		Store:           f.store,
		Ledger:          f.ledger,
		Executor:        f.exec,
		Accounts:        f.accounts,
		Notifier:        f.notifier,
		Clock:           f.clock,
		TransferTimeout: time.Second,
	})
	require.NoError(t, err)
	return f
}

// earnings accrues a pending ledger row with the given net for a distinct month.
func (f *fixture) earnings(t *testing.T, creatorID string, month int, net money.Cents) *ledger.Earnings {
	t.Helper()
	period := ledger.MonthOf(time.Date(2025, time.Month(month), 1, 0, 0, 0, 0, time.UTC))
	e, err := f.ledger.Accrue(t.Context(), creatorID, period, ledger.Breakdown{Subscription: net})
	require.NoError(t, err)
	return e
}

func (f *fixture) create(t *testing.T, e *ledger.Earnings, typ RequestType) *Request {
	t.Helper()
	r, err := f.workflow.Create(t.Context(), CreateInput{
		CreatorID:  e.CreatorID,
		EarningsID: e.ID,
		Type:       typ,
		Actor:      admin,
	})
	require.NoError(t, err, "create %s request", typ)
	return r
}

var admin = Actor{ID: "admin-1", Role: RoleAdmin}
