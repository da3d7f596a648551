// Package statemachine implements the supervisor's core state machine:
// Startup, Syncing, Registering, Voting, Validating, Shutdown.
package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/config"
	"github.com/nodewarden/validator-supervisor/internal/logging"
	"github.com/nodewarden/validator-supervisor/internal/maintenance"
	"github.com/nodewarden/validator-supervisor/internal/metrics"
	"github.com/nodewarden/validator-supervisor/internal/registry"
	"github.com/nodewarden/validator-supervisor/internal/resilience"
	"github.com/nodewarden/validator-supervisor/internal/signals"
)

// StateType is one of the six states the supervisor occupies.
type StateType string

const (
	StateStartup     StateType = metrics.StateStartup
	StateSyncing     StateType = metrics.StateSyncing
	StateRegistering StateType = metrics.StateRegistering
	StateVoting      StateType = metrics.StateVoting
	StateValidating  StateType = metrics.StateValidating
	StateShutdown    StateType = metrics.StateShutdown
)

// Timing constants, named after the original supervisor's constants.
const (
	ChildStartupTimeout  = 120 * time.Second
	SessionTTL           = 30 * time.Second
	RenewInterval        = 10 * time.Second
	RenewRetryInterval   = 5 * time.Second
	AcquireLeaderPeriod  = 1 * time.Second
	LeaderStepDownAfter  = 25 * time.Second
	StatusPollInterval   = 1 * time.Second
	maxConsecutiveErrors = 3
	maxStartupAttempts   = 3
)

// ErrStartupFailed is returned by Run when the child could not be brought
// up as a voter after maxStartupAttempts.
var ErrStartupFailed = errors.New("statemachine: child failed to start after repeated attempts")

// childBinary is the executable name spawned by the process manager.
const childBinary = "neard"

// StateMachine drives the child's lifecycle and leader-election
// participation. All mutable state (session, plan, child handle) is owned
// by the single goroutine that calls Run; it is never touched concurrently.
type StateMachine struct {
	settings *config.Settings
	logger   *logging.Logger
	metrics  *metrics.Metrics

	registryClient *registry.Client
	childClient    *childproc.Client
	childManager   *childproc.Manager
	planner        *maintenance.Planner
	sig            *signals.Handler

	requests <-chan Request

	session           *registry.ScopedSession
	plan              maintenance.Plan
	validatorPID      int
	consecutiveErrors int
}

// New builds a state machine wired to its collaborators.
func New(
	settings *config.Settings,
	logger *logging.Logger,
	m *metrics.Metrics,
	registryClient *registry.Client,
	childClient *childproc.Client,
	childManager *childproc.Manager,
	planner *maintenance.Planner,
	sig *signals.Handler,
	requests <-chan Request,
) *StateMachine {
	return &StateMachine{
		settings:       settings,
		logger:         logger,
		metrics:        m,
		registryClient: registryClient,
		childClient:    childClient,
		childManager:   childManager,
		planner:        planner,
		sig:            sig,
		requests:       requests,
	}
}

// Run loops state transitions until Shutdown is reached.
func (sm *StateMachine) Run(ctx context.Context) error {
	state := StateStartup
	for state != StateShutdown {
		sm.setState(state)
		next, err := sm.step(ctx, state)
		if err != nil {
			sm.log().WithError(err).WithField("state", state).Error("state machine exiting with error")
			return err
		}
		if next != state {
			sm.log().WithFields(logrus.Fields{"from": state, "to": next}).Info("state transition")
		}
		state = next
	}
	sm.setState(StateShutdown)
	return nil
}

func (sm *StateMachine) setState(s StateType) {
	sm.metrics.SetState(string(s))
}

func (sm *StateMachine) log() *logrus.Entry {
	return sm.logger.Base()
}

func (sm *StateMachine) step(ctx context.Context, state StateType) (StateType, error) {
	switch state {
	case StateStartup:
		return sm.handleStartup(ctx)
	case StateSyncing:
		return sm.handleSyncing(ctx)
	case StateRegistering:
		return sm.handleRegistering(ctx)
	case StateVoting:
		return sm.handleVoting(ctx)
	case StateValidating:
		return sm.handleValidating(ctx)
	default:
		return StateShutdown, fmt.Errorf("statemachine: unknown state %q", state)
	}
}

// handleStartup spawns the child as a voter, up to maxStartupAttempts
// times, until its status endpoint answers.
func (sm *StateMachine) handleStartup(ctx context.Context) (StateType, error) {
	for attempt := 1; attempt <= maxStartupAttempts; attempt++ {
		if err := sm.childManager.SetupVoter(sm.settings.VoterListenAddr); err != nil {
			return StateShutdown, fmt.Errorf("setup voter before startup attempt %d: %w", attempt, err)
		}
		if _, err := sm.childManager.Spawn(ctx, childBinary); err != nil {
			return StateShutdown, fmt.Errorf("spawn child on startup attempt %d: %w", attempt, err)
		}

		childExited := make(chan error, 1)
		go func() { childExited <- sm.childManager.Wait() }()

		timeout := time.NewTimer(ChildStartupTimeout)
		statusTicker := time.NewTicker(StatusPollInterval)

		next, stayStartup := sm.startupEventLoop(ctx, childExited, timeout.C, statusTicker.C)
		timeout.Stop()
		statusTicker.Stop()

		if !stayStartup {
			return next, nil
		}
	}
	return StateShutdown, ErrStartupFailed
}

func (sm *StateMachine) startupEventLoop(ctx context.Context, childExited <-chan error, timeout <-chan time.Time, statusTick <-chan time.Time) (StateType, bool) {
	for {
		select {
		case <-ctx.Done():
			return StateShutdown, false
		case <-sm.sig.Terminate():
			return StateShutdown, false
		case <-sm.sig.Reload():
			_ = sm.settings.ReloadAuthToken()
			continue
		case req := <-sm.requests:
			sm.dispatch(ctx, StateStartup, req)
			continue
		case <-childExited:
			return "", true
		case <-timeout:
			return "", true
		case <-statusTick:
			if _, err := sm.childClient.Status(ctx); err == nil {
				return StateSyncing, false
			}
		}
	}
}

// handleSyncing polls the child's status until it reports fully synced.
func (sm *StateMachine) handleSyncing(ctx context.Context) (StateType, error) {
	sm.consecutiveErrors = 0
	childExited := make(chan error, 1)
	go func() { childExited <- sm.childManager.Wait() }()

	ticker := time.NewTicker(StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StateShutdown, nil
		case <-sm.sig.Terminate():
			return StateShutdown, nil
		case <-sm.sig.Reload():
			_ = sm.settings.ReloadAuthToken()
		case req := <-sm.requests:
			sm.dispatch(ctx, StateSyncing, req)
		case <-childExited:
			return StateStartup, nil
		case <-ticker.C:
			status, err := sm.childClient.Status(ctx)
			if err != nil {
				sm.consecutiveErrors++
				if sm.consecutiveErrors >= maxConsecutiveErrors {
					return StateStartup, nil
				}
				continue
			}
			sm.consecutiveErrors = 0
			if !status.Syncing {
				return StateRegistering, nil
			}
		}
	}
}

// handleRegistering races registry session creation against the child's
// health while synced.
func (sm *StateMachine) handleRegistering(ctx context.Context) (StateType, error) {
	sm.consecutiveErrors = 0
	childExited := make(chan error, 1)
	go func() { childExited <- sm.childManager.Wait() }()

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	sessionCh := make(chan *registry.Session, 1)
	sessionErrCh := make(chan error, 1)
	go func() {
		s, err := sm.createSessionWithBackoff(sessionCtx)
		if err != nil {
			sessionErrCh <- err
			return
		}
		sessionCh <- s
	}()

	ticker := time.NewTicker(StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StateShutdown, nil
		case <-sm.sig.Terminate():
			return StateShutdown, nil
		case <-sm.sig.Reload():
			_ = sm.settings.ReloadAuthToken()
		case req := <-sm.requests:
			sm.dispatch(ctx, StateRegistering, req)
		case <-childExited:
			return StateStartup, nil
		case s := <-sessionCh:
			sm.session = registry.NewScopedSession(sm.registryClient, s)
			return StateVoting, nil
		case <-sessionErrCh:
			// Backoff exhausted only on ctx cancellation; loop continues
			// otherwise since createSessionWithBackoff retries internally.
		case <-ticker.C:
			status, err := sm.childClient.Status(ctx)
			if err != nil {
				sm.consecutiveErrors++
				if sm.consecutiveErrors >= maxConsecutiveErrors {
					return StateStartup, nil
				}
				continue
			}
			sm.consecutiveErrors = 0
			if status.Syncing {
				return StateSyncing, nil
			}
		}
	}
}

// createSessionWithBackoff retries CreateSession with a doubling backoff
// from 1ms capped at 5s, until ctx is cancelled.
func (sm *StateMachine) createSessionWithBackoff(ctx context.Context) (*registry.Session, error) {
	var s *registry.Session
	err := resilience.Retry(ctx, resilience.SessionCreatePolicy(), 0, func() error {
		var createErr error
		s, createErr = sm.registryClient.CreateSession(ctx, sm.settings.NodeID, SessionTTL)
		return createErr
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// handleVoting holds a session and races three timers: leader-key
// acquisition, session renewal, and status polling.
func (sm *StateMachine) handleVoting(ctx context.Context) (StateType, error) {
	sm.consecutiveErrors = 0
	childExited := make(chan error, 1)
	go func() { childExited <- sm.childManager.Wait() }()

	acquireTicker := time.NewTicker(AcquireLeaderPeriod)
	renewTicker := time.NewTicker(RenewInterval)
	statusTicker := time.NewTicker(StatusPollInterval)
	defer acquireTicker.Stop()
	defer renewTicker.Stop()
	defer statusTicker.Stop()

	meta := registry.LeaderMetadata{Hostname: sm.settings.NodeID, NodeID: sm.settings.NodeID}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("marshal leader metadata: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			sm.destroySession(ctx)
			return StateShutdown, nil
		case <-sm.sig.Terminate():
			sm.destroySession(ctx)
			return StateShutdown, nil
		case <-sm.sig.Reload():
			_ = sm.settings.ReloadAuthToken()
		case req := <-sm.requests:
			sm.dispatch(ctx, StateVoting, req)
		case <-childExited:
			sm.destroySession(ctx)
			return StateStartup, nil
		case <-acquireTicker.C:
			acquired, err := sm.registryClient.AcquireKey(ctx, sm.settings.LeaderKey(), metaJSON, sm.session.Session())
			if err == nil && acquired {
				return StateValidating, nil
			}
		case <-renewTicker.C:
			err := sm.registryClient.RenewSession(ctx, sm.session.Session())
			if errors.Is(err, registry.ErrSessionNotFound) {
				sm.destroySession(ctx)
				return StateRegistering, nil
			}
			if err != nil {
				sm.metrics.RenewalFailures.Inc()
				select {
				case <-time.After(RenewRetryInterval):
				case <-ctx.Done():
				}
			}
		case <-statusTicker.C:
			status, err := sm.childClient.Status(ctx)
			if err != nil {
				sm.consecutiveErrors++
				if sm.consecutiveErrors >= maxConsecutiveErrors {
					sm.destroySession(ctx)
					return StateStartup, nil
				}
				continue
			}
			sm.consecutiveErrors = 0
			if status.Syncing {
				sm.destroySession(ctx)
				return StateSyncing, nil
			}
		}
	}
}

func (sm *StateMachine) destroySession(ctx context.Context) {
	if sm.session == nil {
		return
	}
	sm.session.Destroy(ctx)
	sm.session = nil
}

// handleValidating stops the voter child, restarts it as validator, and
// defends the leader key with periodic renewal.
func (sm *StateMachine) handleValidating(ctx context.Context) (StateType, error) {
	if err := sm.childManager.GracefulStop(ctx); err != nil {
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("stop voter before validating: %w", err)
	}

	pubKey, err := sm.validatorNodePublicKey()
	if err != nil {
		sm.destroySession(ctx)
		return StateShutdown, err
	}

	if err := sm.childManager.SetupValidator(sm.settings.ValidatorListenAddr, sm.settings.PublicAddresses, pubKey); err != nil {
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("setup validator: %w", err)
	}
	pid, err := sm.childManager.Spawn(ctx, childBinary)
	if err != nil {
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("spawn validator: %w", err)
	}
	sm.validatorPID = pid

	childExited := make(chan error, 1)
	go func() { childExited <- sm.childManager.Wait() }()

	renewTicker := time.NewTicker(RenewInterval)
	statusTicker := time.NewTicker(StatusPollInterval)
	defer renewTicker.Stop()
	defer statusTicker.Stop()

	stepDown := time.NewTimer(LeaderStepDownAfter)
	defer stepDown.Stop()
	startupGrace := time.NewTimer(ChildStartupTimeout)
	defer startupGrace.Stop()
	sawFirstSuccess := false
	sm.consecutiveErrors = 0

	for {
		select {
		case <-ctx.Done():
			sm.validatorPID = 0
			sm.destroySession(ctx)
			return StateShutdown, nil
		case <-sm.sig.Terminate():
			_ = sm.childManager.GracefulStop(ctx)
			sm.validatorPID = 0
			sm.destroySession(ctx)
			return StateShutdown, nil
		case <-sm.sig.Reload():
			_ = sm.settings.ReloadAuthToken()
		case req := <-sm.requests:
			sm.dispatch(ctx, StateValidating, req)
		case err := <-childExited:
			sm.validatorPID = 0
			if err == nil && sm.plan.ShutdownWithChild {
				sm.destroySession(ctx)
				return StateShutdown, nil
			}
			sm.destroySession(ctx)
			return StateStartup, nil
		case <-renewTicker.C:
			renewErr := sm.registryClient.RenewSession(ctx, sm.session.Session())
			if errors.Is(renewErr, registry.ErrSessionNotFound) {
				sm.session = nil
				return StateRegistering, nil
			}
			if renewErr != nil {
				sm.metrics.RenewalFailures.Inc()
			} else {
				stepDown.Reset(LeaderStepDownAfter)
			}
		case <-stepDown.C:
			return sm.stepDownToVoting(ctx)
		case <-statusTicker.C:
			_, statusErr := sm.childClient.Status(ctx)
			if statusErr != nil {
				if !sawFirstSuccess {
					continue
				}
				sm.consecutiveErrors++
				if sm.consecutiveErrors >= maxConsecutiveErrors {
					_ = sm.childManager.GracefulStop(ctx)
					sm.validatorPID = 0
					sm.destroySession(ctx)
					return StateStartup, nil
				}
				continue
			}
			sawFirstSuccess = true
			sm.consecutiveErrors = 0
		case <-startupGrace.C:
			if !sawFirstSuccess {
				_ = sm.childManager.GracefulStop(ctx)
				sm.validatorPID = 0
				sm.destroySession(ctx)
				return StateStartup, nil
			}
		}
	}
}

// stepDownToVoting demotes a validator that has failed to renew its session
// within LeaderStepDownAfter, respawning the child as a voter while keeping
// the still-live session (moved back into Voting rather than destroyed),
// so a partition-healed peer cannot see two leaders.
func (sm *StateMachine) stepDownToVoting(ctx context.Context) (StateType, error) {
	if err := sm.childManager.GracefulStop(ctx); err != nil {
		sm.validatorPID = 0
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("stop validator during step-down: %w", err)
	}
	sm.validatorPID = 0

	if err := sm.childManager.SetupVoter(sm.settings.VoterListenAddr); err != nil {
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("setup voter during step-down: %w", err)
	}
	if _, err := sm.childManager.Spawn(ctx, childBinary); err != nil {
		sm.destroySession(ctx)
		return StateShutdown, fmt.Errorf("spawn voter during step-down: %w", err)
	}

	return StateVoting, nil
}

func (sm *StateMachine) validatorNodePublicKey() (string, error) {
	key, err := childproc.ReadNodeKey(sm.settings.ValidatorNodeKeyPath)
	if err != nil {
		return "", fmt.Errorf("read validator node public key: %w", err)
	}
	return key.PublicKey, nil
}

// dispatch handles a control-server request per §4.8's rules, which differ
// by current state.
func (sm *StateMachine) dispatch(ctx context.Context, state StateType, req Request) {
	switch r := req.(type) {
	case ScheduleRestartRequest:
		sm.dispatchScheduleRestart(ctx, state, r)
	case StatusRequest:
		r.Reply <- StatusResponse{
			State:                   state,
			ValidatorPID:            sm.validatorPID,
			ExpectedShutdownAtBlock: sm.plan.ExpectedShutdownAtBlock,
			ShutdownWithChild:       sm.plan.ShutdownWithChild,
		}
	}
}

func (sm *StateMachine) dispatchScheduleRestart(ctx context.Context, state StateType, req ScheduleRestartRequest) {
	validating := state == StateValidating

	if req.Cancel {
		if !validating {
			req.Reply <- ScheduleRestartResponse{Message: "not validating, nothing to cancel"}
			return
		}
		if err := sm.planner.Cancel(ctx); err != nil {
			req.Reply <- ScheduleRestartResponse{Err: err, Message: err.Error()}
			return
		}
		sm.plan = maintenance.Plan{}
		req.Reply <- ScheduleRestartResponse{Message: "cancelled"}
		return
	}

	if !validating {
		if req.ShutdownWithChild {
			sm.plan.ShutdownWithChild = true
		}
		req.Reply <- ScheduleRestartResponse{Message: "not validating, request recorded but no maintenance window applies"}
		return
	}

	height, err := sm.planner.SelectHeight(ctx, maintenance.Request{
		MinimumLength:      req.MinimumLength,
		ExplicitShutdownAt: req.ScheduleAt,
	})
	if err != nil {
		req.Reply <- ScheduleRestartResponse{Err: err, Message: err.Error()}
		return
	}

	if err := sm.planner.Apply(ctx, &height); err != nil {
		req.Reply <- ScheduleRestartResponse{Err: err, Message: err.Error()}
		return
	}

	sm.plan.ExpectedShutdownAtBlock = &height
	if req.ShutdownWithChild {
		sm.plan.ShutdownWithChild = true
	}

	req.Reply <- ScheduleRestartResponse{
		ShutdownAtBlock: &height,
		Message:         fmt.Sprintf("will shutdown at block height: %d", height),
	}
}

