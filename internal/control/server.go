// Package control implements the supervisor's local Unix-socket HTTP
// control plane.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/logging"
	"github.com/nodewarden/validator-supervisor/internal/registry"
	"github.com/nodewarden/validator-supervisor/internal/statemachine"
	"github.com/nodewarden/validator-supervisor/internal/svcerrors"
)

// requestTimeout bounds how long the server waits for the state machine to
// answer a forwarded request before failing with 500.
const requestTimeout = 10 * time.Second

// Server is the Unix-socket HTTP control plane operators use to query
// state and schedule maintenance.
type Server struct {
	registryClient *registry.Client
	childClient    *childproc.Client
	leaderKey      string
	requests       chan<- statemachine.Request
	logger         *logging.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a control server that listens on socketPath and forwards
// schedule/status requests onto requests.
func New(socketPath, leaderKey string, registryClient *registry.Client, childClient *childproc.Client, requests chan<- statemachine.Request, logger *logging.Logger) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		registryClient: registryClient,
		childClient:    childClient,
		leaderKey:      leaderKey,
		requests:       requests,
		logger:         logger,
		listener:       listener,
	}

	router := mux.NewRouter()
	router.Use(s.correlationMiddleware)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/active_validator", s.handleActiveValidator).Methods(http.MethodGet)
	router.HandleFunc("/schedule_restart", s.handleScheduleRestart).Methods(http.MethodPost)
	router.HandleFunc("/maintenance_status", s.handleMaintenanceStatus).Methods(http.MethodGet)
	router.HandleFunc("/rpc_status", s.handleRPCStatus).Methods(http.MethodGet)

	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

// Serve blocks accepting connections until Shutdown is called.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ctx := logging.WithRequestID(r.Context(), id)
		s.logger.Base().WithField("request_id", id).WithField("path", r.URL.Path).Debug("control request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": 200, "message": "OK"})
}

func (s *Server) handleActiveValidator(w http.ResponseWriter, r *http.Request) {
	validator, err := LookupActiveValidator(r.Context(), s.registryClient, s.leaderKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, validator)
}

func (s *Server) handleRPCStatus(w http.ResponseWriter, r *http.Request) {
	_, err := s.childClient.Status(r.Context())
	if err != nil {
		svcErr := svcerrors.ChildUnreachable(err)
		writeJSON(w, svcErr.HTTPStatus, map[string]string{"message": svcErr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": 200, "message": "OK"})
}

type scheduleRestartBody struct {
	MinimumLength     *uint64 `json:"minimum_length,omitempty"`
	ScheduleAt        *uint64 `json:"schedule_at,omitempty"`
	Cancel            bool    `json:"cancel,omitempty"`
	ShutdownWithChild bool    `json:"shutdown_with,omitempty"`
}

func (s *Server) handleScheduleRestart(w http.ResponseWriter, r *http.Request) {
	var body scheduleRestartBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}

	var minLength uint64
	if body.MinimumLength != nil {
		minLength = *body.MinimumLength
	}

	reply := make(chan statemachine.ScheduleRestartResponse, 1)
	req := statemachine.ScheduleRestartRequest{
		MinimumLength:     minLength,
		ScheduleAt:        body.ScheduleAt,
		Cancel:            body.Cancel,
		ShutdownWithChild: body.ShutdownWithChild,
		Reply:             reply,
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	select {
	case s.requests <- req:
	case <-ctx.Done():
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "state machine unavailable"})
		return
	}

	select {
	case resp := <-reply:
		if resp.Err != nil {
			writeJSON(w, svcerrors.HTTPStatus(resp.Err), map[string]string{"message": resp.Message})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": resp.Message})
	case <-ctx.Done():
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "timed out waiting for state machine"})
	}
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	reply := make(chan statemachine.StatusResponse, 1)
	req := statemachine.StatusRequest{Reply: reply}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	select {
	case s.requests <- req:
	case <-ctx.Done():
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "state machine unavailable"})
		return
	}

	select {
	case status := <-reply:
		currentBlock, _ := s.childClient.FinalBlock(r.Context())
		msg := map[string]any{
			"state":         status.State,
			"current_block": currentBlock,
		}
		if status.ExpectedShutdownAtBlock != nil {
			msg["expected_shutdown_at_block"] = *status.ExpectedShutdownAtBlock
		}
		writeJSON(w, http.StatusOK, msg)
	case <-ctx.Done():
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "timed out waiting for state machine"})
	}
}
