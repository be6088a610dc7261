package session

// State is a tenant session's lifecycle state
type State string

const (
	StateUninitialized     State = "UNINITIALIZED"
	StateInitializing      State = "INITIALIZING"
	StateAwaitingChallenge State = "AWAITING_CHALLENGE"
	StateAuthenticated     State = "AUTHENTICATED"
	StateReady             State = "READY"
	StateDisconnected      State = "DISCONNECTED"
	StateReconnecting      State = "RECONNECTING"
	// StateFailed is terminal until the tenant reauthenticates
	StateFailed State = "FAILED"
)

// AllStates lists every state, in lifecycle order
var AllStates = []State{
	StateUninitialized,
	StateInitializing,
	StateAwaitingChallenge,
	StateAuthenticated,
	StateReady,
	StateDisconnected,
	StateReconnecting,
	StateFailed,
}

// CanSend reports whether outbound sends are allowed in this state
func (s State) CanSend() bool {
	return s == StateReady
}

// Launching states are the ones the stuck-initialization watchdog inspects.
// AWAITING_CHALLENGE is excluded: a pending challenge waits on a human.
func (s State) Launching() bool {
	return s == StateInitializing || s == StateAuthenticated
}
