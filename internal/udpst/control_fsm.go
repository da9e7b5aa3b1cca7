package udpst

// This file implements the Control State Machine (C4) as a pure function
// over a transition table, mirroring the Data State Machine's handshake
// sequencing (CHSR -> optional CHNR -> CHTA) and the monotonic test-action
// progression (Idle -> Test -> Stop1 -> Stop2) described in the Component
// Design. No side effects: Action values are interpreted by the caller.

// Event is a Control State Machine input.
type Event uint8

const (
	// EventRecvCHSRReq is receipt of a Setup request (server role).
	EventRecvCHSRReq Event = iota
	// EventRecvCHSRResp is receipt of a Setup response (client role).
	EventRecvCHSRResp
	// EventRecvCHNR is receipt of a server-originated Null Request primer
	// (client role, dropped with no state change).
	EventRecvCHNR
	// EventRecvCHTAReq is receipt of a Test-Activation request (server role).
	EventRecvCHTAReq
	// EventRecvCHTAResp is receipt of a Test-Activation response (client role).
	EventRecvCHTAResp
	// EventStopRequested is a local stop_test call.
	EventStopRequested
	// EventPeerStop2 is receipt of a peer-echoed Stop2 test action on the
	// data plane.
	EventPeerStop2
	// EventWatchdogExpired is the no-traffic timeout firing.
	EventWatchdogExpired
)

// Action is a side effect the caller must perform after a transition.
type Action uint8

const (
	// ActionSendCHSRResponse sends a signed Setup response.
	ActionSendCHSRResponse Action = iota
	// ActionSendCHNR sends the post-setup Null Request primer (protocol
	// version >= 20, server role only).
	ActionSendCHNR
	// ActionConnectSocket connects the data-plane socket to the advertised
	// test port (client role, after a successful Setup response).
	ActionConnectSocket
	// ActionSendCHTARequest sends the Test-Activation request.
	ActionSendCHTARequest
	// ActionSendCHTAResponse sends a (possibly policed) Test-Activation
	// response.
	ActionSendCHTAResponse
	// ActionStartMeasurement transitions to the sender or receiver role
	// and arms timer1/timer2 with a random initial offset.
	ActionStartMeasurement
	// ActionArmTerminalWatchdog installs the testIntTime+TIMEOUT_NOTRAFFIC
	// terminal timer3 that forces a local Stop1.
	ActionArmTerminalWatchdog
	// ActionMarkStop1 begins marking outgoing PDUs with stop intent.
	ActionMarkStop1
	// ActionMarkStop2 records peer-confirmed stop.
	ActionMarkStop2
	// ActionReportFinalSubInterval emits the last aggregated row before
	// teardown.
	ActionReportFinalSubInterval
	// ActionTeardown calls InitConn on this connection's slot.
	ActionTeardown
)

// stateEvent is a transition table key.
type stateEvent struct {
	state ConnState
	event Event
}

// transition is a transition table value.
type transition struct {
	newState ConnState
	actions  []Action
}

// controlFSMTable drives the control-plane handshake. Entries absent from
// the table (e.g. a duplicate CHSR request on an already-Data connection)
// are protocol no-ops: ApplyEvent returns an unchanged, empty result.
var controlFSMTable = map[stateEvent]transition{
	// Server: Created -> Bound on a validated Setup request.
	{ConnCreated, EventRecvCHSRReq}: {ConnBound, []Action{ActionSendCHSRResponse, ActionSendCHNR}},

	// Client: Created -> Bound on a successful Setup response; connect the
	// data socket before sending the Test-Activation request.
	{ConnCreated, EventRecvCHSRResp}: {ConnBound, []Action{ActionConnectSocket, ActionSendCHTARequest}},

	// Client: a Null Request primer while still waiting on the Setup
	// response carries no state change.
	{ConnCreated, EventRecvCHNR}: {ConnCreated, nil},
	{ConnBound, EventRecvCHNR}:   {ConnBound, nil},

	// Server: Bound -> Data on a policed Test-Activation request.
	{ConnBound, EventRecvCHTAReq}: {ConnData, []Action{ActionSendCHTAResponse, ActionStartMeasurement, ActionArmTerminalWatchdog}},

	// Client: Bound -> Data on a Test-Activation response.
	{ConnBound, EventRecvCHTAResp}: {ConnData, []Action{ActionStartMeasurement, ActionArmTerminalWatchdog}},

	// Stop sequencing and teardown apply only to active data-plane
	// connections.
	{ConnData, EventStopRequested}:    {ConnData, []Action{ActionMarkStop1}},
	{ConnData, EventWatchdogExpired}:  {ConnData, []Action{ActionMarkStop1}},
	{ConnData, EventPeerStop2}:        {ConnFree, []Action{ActionMarkStop2, ActionReportFinalSubInterval, ActionTeardown}},
}

// FSMResult is the outcome of ApplyEvent.
type FSMResult struct {
	OldState ConnState
	NewState ConnState
	Actions  []Action
	Changed  bool
}

// ApplyEvent is a pure function: given the current connection state and
// an inbound event, it returns the new state and the actions the caller
// must perform. Table misses return an unchanged, action-free result.
func ApplyEvent(current ConnState, event Event) FSMResult {
	t, ok := controlFSMTable[stateEvent{current, event}]
	if !ok {
		return FSMResult{OldState: current, NewState: current}
	}
	return FSMResult{
		OldState: current,
		NewState: t.newState,
		Actions:  t.actions,
		Changed:  t.newState != current,
	}
}

// NextTestAction is the pure function driving the monotonic Idle -> Test
// -> Stop1 -> Stop2 progression. It never moves backward: requesting an
// action at or below the current one is a no-op.
func NextTestAction(current, requested TestAction) TestAction {
	if requested > current {
		return requested
	}
	return current
}
