package udpst_test

import (
	"testing"

	"github.com/dantte-lp/udpst/internal/udpst"
)

func TestApplyEventHandshake(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       udpst.ConnState
		event       udpst.Event
		wantState   udpst.ConnState
		wantChanged bool
	}{
		{"server setup request", udpst.ConnCreated, udpst.EventRecvCHSRReq, udpst.ConnBound, true},
		{"client setup response", udpst.ConnCreated, udpst.EventRecvCHSRResp, udpst.ConnBound, true},
		{"null request primer ignored while created", udpst.ConnCreated, udpst.EventRecvCHNR, udpst.ConnCreated, false},
		{"server test activation request", udpst.ConnBound, udpst.EventRecvCHTAReq, udpst.ConnData, true},
		{"client test activation response", udpst.ConnBound, udpst.EventRecvCHTAResp, udpst.ConnData, true},
		{"local stop request holds Data state", udpst.ConnData, udpst.EventStopRequested, udpst.ConnData, false},
		{"peer stop2 tears down", udpst.ConnData, udpst.EventPeerStop2, udpst.ConnFree, true},
		{"unhandled event is a no-op", udpst.ConnFree, udpst.EventRecvCHTAReq, udpst.ConnFree, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := udpst.ApplyEvent(tt.state, tt.event)
			if result.NewState != tt.wantState {
				t.Errorf("NewState = %v, want %v", result.NewState, tt.wantState)
			}
			if result.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", result.Changed, tt.wantChanged)
			}
		})
	}
}

func TestNextTestActionMonotonic(t *testing.T) {
	t.Parallel()

	if got := udpst.NextTestAction(udpst.TestActTest, udpst.TestActIdle); got != udpst.TestActTest {
		t.Errorf("regressed from Test to Idle: got %v", got)
	}
	if got := udpst.NextTestAction(udpst.TestActIdle, udpst.TestActTest); got != udpst.TestActTest {
		t.Errorf("did not advance from Idle to Test: got %v", got)
	}
	if got := udpst.NextTestAction(udpst.TestActStop1, udpst.TestActStop2); got != udpst.TestActStop2 {
		t.Errorf("did not advance Stop1 to Stop2: got %v", got)
	}
}
