package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/logging"
	"github.com/nodewarden/validator-supervisor/internal/registry"
	"github.com/nodewarden/validator-supervisor/internal/statemachine"
)

func newTestServer(t *testing.T, registryURL string, requests chan statemachine.Request) (*Server, *http.Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	registryClient := registry.NewClient(registryURL, "")
	childClient := childproc.NewClient("http://127.0.0.1:0")
	logger := logging.New("node-a", "account-a", "error", "text")

	srv, err := New(socketPath, "validator-supervisor-leader/account-a", registryClient, childClient, requests, logger)
	require.NoError(t, err)

	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
	return srv, httpClient
}

func TestHealthEndpoint(t *testing.T) {
	_, client := newTestServer(t, "http://127.0.0.1:0", nil)

	resp, err := client.Get("http://unix/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActiveValidatorEndpointReturnsNullWhenNoLeader(t *testing.T) {
	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer registryServer.Close()

	_, client := newTestServer(t, registryServer.URL, nil)

	resp, err := client.Get("http://unix/active_validator")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Nil(t, body)
}

func TestScheduleRestartForwardsRequestAndWaitsForReply(t *testing.T) {
	requests := make(chan statemachine.Request, 1)
	_, client := newTestServer(t, "http://127.0.0.1:0", requests)

	go func() {
		req := <-requests
		scheduleReq, ok := req.(statemachine.ScheduleRestartRequest)
		require.True(t, ok)
		scheduleReq.Reply <- statemachine.ScheduleRestartResponse{Message: "will shutdown at block height: 102"}
	}()

	resp, err := client.Post("http://unix/schedule_restart", "application/json", bytes.NewBufferString(`{"minimum_length":50}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "will shutdown at block height: 102", body["message"])
}

func TestScheduleRestartTimesOutWhenStateMachineUnresponsive(t *testing.T) {
	requests := make(chan statemachine.Request) // unbuffered, nothing ever drains it
	_, client := newTestServer(t, "http://127.0.0.1:0", requests)
	client.Timeout = requestTimeout + 5*time.Second

	resp, err := client.Post("http://unix/schedule_restart", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRPCStatusReportsUnreachable(t *testing.T) {
	_, client := newTestServer(t, "http://127.0.0.1:0", nil)

	resp, err := client.Get("http://unix/rpc_status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestRPCStatusReportsOKWhenChildReachable(t *testing.T) {
	childServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sync_info":{"syncing":false},"validator_account_id":"node0"}`)
	}))
	defer childServer.Close()

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	registryClient := registry.NewClient("http://127.0.0.1:0", "")
	childClient := childproc.NewClient(childServer.URL)
	logger := logging.New("node-a", "account-a", "error", "text")

	srv, err := New(socketPath, "validator-supervisor-leader/account-a", registryClient, childClient, nil, logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}

	resp, err := httpClient.Get("http://unix/rpc_status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
