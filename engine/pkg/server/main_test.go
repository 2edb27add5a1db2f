package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/creatorhub/earnings/engine/pkg/engine"
	"github.com/creatorhub/earnings/engine/pkg/postgres/pgtesting"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
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

type recordingAccountWriter struct {
	mu       sync.Mutex
	accounts map[string]string
}

func (a *recordingAccountWriter) SetAccount(_ context.Context, creatorID, externalAccountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accounts == nil {
		a.accounts = make(map[string]string)
	}
	a.accounts[creatorID] = externalAccountID
	return nil
}

type testServer struct {
	srv    *Server
	engine *engine.Engine
	clock  *clockwork.FakeClock
}

func newTestServer(t *testing.T, accounts AccountWriter, opts ...func(*Config)) *testServer {
	t.Helper()
	clock := enginetesting.NewFakeClock()
	e, err := engine.New(engine.Config{
		Logger:   enginetesting.NewLogger(),
		Clock:    clock,
		Pool:     pgtesting.NewTestPool(t, testDB),
		Executor: mockExecutor{},
		Accounts: mockAccounts{},
	})
	require.NoError(t, err)

	cfg := Config{
		Logger:      enginetesting.NewLogger(),
		ListenAddr:  "127.0.0.1:0",
		VersionInfo: VersionInfo{Version: "1.2.3", Commit: "abc123", Date: "2026-03-01"},
		Engine:      e,
		Accounts:    accounts,
		Clock:       clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return &testServer{srv: srv, engine: e, clock: clock}
}

type actorHeaders struct {
	id   string
	role string
}

var (
	asAdmin = actorHeaders{id: "ops-1", role: "admin"}
	asNone  = actorHeaders{}
)

func asCreator(id string) actorHeaders {
	return actorHeaders{id: id, role: "creator"}
}

func (ts *testServer) do(t *testing.T, as actorHeaders, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequestWithContext(t.Context(), method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as.id != "" {
		req.Header.Set(headerActorID, as.id)
		req.Header.Set(headerActorRole, as.role)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, rec.Code, rec.Body.String())
}
