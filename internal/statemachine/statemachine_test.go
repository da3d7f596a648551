package statemachine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/config"
	"github.com/nodewarden/validator-supervisor/internal/logging"
	"github.com/nodewarden/validator-supervisor/internal/maintenance"
	"github.com/nodewarden/validator-supervisor/internal/metrics"
	"github.com/nodewarden/validator-supervisor/internal/registry"
	"github.com/nodewarden/validator-supervisor/internal/signals"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeChildClient struct {
	windows      []childproc.MaintenanceWindow
	reloadsTotal int64
}

func (f *fakeChildClient) MaintenanceWindows(ctx context.Context, accountID string) ([]childproc.MaintenanceWindow, error) {
	return f.windows, nil
}

func (f *fakeChildClient) ConfigReloadsTotal(ctx context.Context) (int64, error) {
	f.reloadsTotal++
	return f.reloadsTotal, nil
}

type fakeConfigEditor struct{}

func (fakeConfigEditor) ApplyExpectedShutdown(height *uint64) (func() error, error) {
	return func() error { return nil }, nil
}

func (fakeConfigEditor) SignalReload() error { return nil }

func newTestStateMachine(t *testing.T) (*StateMachine, chan Request) {
	t.Helper()

	settings := &config.Settings{
		NodeID:    "node-a",
		AccountID: "account-a",
	}
	logger := logging.New("node-a", "account-a", "error", "text")
	m := metrics.New(prometheus.NewRegistry())
	registryClient := registry.NewClient("http://127.0.0.1:0", "")
	childClient := childproc.NewClient("http://127.0.0.1:0")
	childManager := childproc.NewManager(t.TempDir(), "v", "vn", "vo", "")
	planner := maintenance.NewPlanner("account-a", &fakeChildClient{windows: []childproc.MaintenanceWindow{{Start: 100, End: 900}}}, fakeConfigEditor{})
	sig := signals.New()
	t.Cleanup(sig.Stop)

	requests := make(chan Request, 1)
	sm := New(settings, logger, m, registryClient, childClient, childManager, planner, sig, requests)
	return sm, requests
}

func TestDispatchStatusRequestReportsCurrentState(t *testing.T) {
	sm, _ := newTestStateMachine(t)
	sm.validatorPID = 4242
	height := uint64(555)
	sm.plan = maintenance.Plan{ExpectedShutdownAtBlock: &height, ShutdownWithChild: true}

	reply := make(chan StatusResponse, 1)
	sm.dispatch(context.Background(), StateValidating, StatusRequest{Reply: reply})

	resp := <-reply
	require.Equal(t, StateValidating, resp.State)
	require.Equal(t, 4242, resp.ValidatorPID)
	require.NotNil(t, resp.ExpectedShutdownAtBlock)
	require.Equal(t, height, *resp.ExpectedShutdownAtBlock)
	require.True(t, resp.ShutdownWithChild)
}

func TestDispatchScheduleRestartWhenNotValidatingRecordsIntent(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	reply := make(chan ScheduleRestartResponse, 1)
	sm.dispatch(context.Background(), StateVoting, ScheduleRestartRequest{ShutdownWithChild: true, Reply: reply})

	resp := <-reply
	require.NoError(t, resp.Err)
	require.True(t, sm.plan.ShutdownWithChild)
}

func TestDispatchScheduleRestartCancelWhenNotValidatingIsNoop(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	reply := make(chan ScheduleRestartResponse, 1)
	sm.dispatch(context.Background(), StateVoting, ScheduleRestartRequest{Cancel: true, Reply: reply})

	resp := <-reply
	require.NoError(t, resp.Err)
	require.Equal(t, "not validating, nothing to cancel", resp.Message)
}

func TestDispatchScheduleRestartWhileValidatingAppliesPlan(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	reply := make(chan ScheduleRestartResponse, 1)
	sm.dispatch(context.Background(), StateValidating, ScheduleRestartRequest{MinimumLength: 50, Reply: reply})

	resp := <-reply
	require.NoError(t, resp.Err)
	require.NotNil(t, resp.ShutdownAtBlock)
	require.NotNil(t, sm.plan.ExpectedShutdownAtBlock)
}

func TestDispatchScheduleRestartCancelWhileValidatingClearsPlan(t *testing.T) {
	sm, _ := newTestStateMachine(t)
	height := uint64(999)
	sm.plan = maintenance.Plan{ExpectedShutdownAtBlock: &height}

	reply := make(chan ScheduleRestartResponse, 1)
	sm.dispatch(context.Background(), StateValidating, ScheduleRestartRequest{Cancel: true, Reply: reply})

	resp := <-reply
	require.NoError(t, resp.Err)
	require.Equal(t, "cancelled", resp.Message)
	require.Nil(t, sm.plan.ExpectedShutdownAtBlock)
}

func TestCreateSessionWithBackoffRetriesUntilSuccess(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ID": "session-1"})
	}))
	defer srv.Close()

	sm, _ := newTestStateMachine(t)
	sm.registryClient = registry.NewClient(srv.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := sm.createSessionWithBackoff(ctx)
	require.NoError(t, err)
	require.Equal(t, "session-1", s.ID)
	require.GreaterOrEqual(t, attempts, 3)
}

func TestCreateSessionWithBackoffStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sm, _ := newTestStateMachine(t)
	sm.registryClient = registry.NewClient(srv.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sm.createSessionWithBackoff(ctx)
	require.Error(t, err)
}
