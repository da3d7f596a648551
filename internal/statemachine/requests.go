package statemachine

// ScheduleRestartRequest is the control server's /schedule_restart payload,
// forwarded to the state machine over a bounded channel and answered on
// Reply.
type ScheduleRestartRequest struct {
	MinimumLength     uint64
	ScheduleAt        *uint64
	Cancel            bool
	ShutdownWithChild bool
	Reply             chan ScheduleRestartResponse
}

// ScheduleRestartResponse answers a ScheduleRestartRequest.
type ScheduleRestartResponse struct {
	ShutdownAtBlock *uint64
	Message         string
	Err             error
}

// StatusRequest asks the state machine for its current state and active
// maintenance plan, answered on Reply.
type StatusRequest struct {
	Reply chan StatusResponse
}

// StatusResponse answers a StatusRequest.
type StatusResponse struct {
	State                   StateType
	ValidatorPID            int
	ExpectedShutdownAtBlock *uint64
	ShutdownWithChild       bool
}

// Request is the union of requests the control server may forward to the
// state machine's single receiver.
type Request interface {
	isRequest()
}

func (ScheduleRestartRequest) isRequest() {}
func (StatusRequest) isRequest()          {}
