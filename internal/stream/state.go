package stream

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// State is a connection lifecycle position.
type State string

const (
	StateIdle        State = "IDLE"
	StateConnecting  State = "CONNECTING"
	StateOpen        State = "OPEN"
	StateClosedClean State = "CLOSED_CLEAN"
	StateClosedError State = "CLOSED_ERROR"
)

const (
	eventConnect = "connect"
	eventOpened  = "opened"
	eventFail    = "fail"
	eventPark    = "park"
	eventClose   = "close"

	callbackEnterState = "enter_state"
)

// States lists every connection state.
var States = []string{
	string(StateIdle),
	string(StateConnecting),
	string(StateOpen),
	string(StateClosedClean),
	string(StateClosedError),
}

// Transition describes one observable state change of a subscription.
type Transition struct {
	Stream              string
	HandleID            string
	From                State
	To                  State
	ConsecutiveFailures int
	Stale               bool
	RetryIn             time.Duration
	Err                 error
	At                  time.Time
}

func newConnectionMachine(onEnter func(source State, destination State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateIdle), string(StateClosedError), string(StateClosedClean)}, Dst: string(StateConnecting)},
			{Name: eventOpened, Src: []string{string(StateConnecting)}, Dst: string(StateOpen)},
			{Name: eventFail, Src: []string{string(StateConnecting), string(StateOpen)}, Dst: string(StateClosedError)},
			{Name: eventPark, Src: []string{string(StateConnecting)}, Dst: string(StateIdle)},
			{Name: eventClose, Src: []string{string(StateIdle), string(StateConnecting), string(StateOpen), string(StateClosedError)}, Dst: string(StateClosedClean)},
		},
		fsm.Callbacks{
			callbackEnterState: func(_ context.Context, event *fsm.Event) {
				onEnter(State(event.Src), State(event.Dst))
			},
		},
	)
}
