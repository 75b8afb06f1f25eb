package streaming

type State int

const (
	Disconnected State = iota
	Handshaking
	Connected
	Rehandshaking
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Rehandshaking:
		return "rehandshaking"
	default:
		return "unknown"
	}
}

type trigger int

const (
	triggerConnect trigger = iota
	triggerHandshakeOK
	triggerHandshakeFailed
	triggerConnectOK
	triggerConnectFailed
	triggerRehandshaking
	triggerSessionInvalid
	triggerRenewFailed
	triggerTransportClosed
	triggerDisconnect
)

func (t trigger) String() string {
	return [...]string{
		"connect",
		"handshake_ok",
		"handshake_failed",
		"connect_ok",
		"connect_failed",
		"rehandshaking",
		"session_invalid",
		"renew_failed",
		"transport_closed",
		"disconnect",
	}[t]
}

type action int

const (
	doHandshake action = iota
	doAttachPending
	doReplayAttached
	doRenew
	doClose
)

func (a action) String() string {
	return [...]string{"handshake", "attach_pending", "replay_attached", "renew", "close"}[a]
}

// machine is the session state without any I/O. next is pure so the
// transition table can be tested without a transport.
type machine struct {
	state            State
	needsResubscribe bool
}

func (m machine) next(t trigger) (machine, []action) {
	if t == triggerDisconnect {
		return machine{state: Disconnected}, []action{doClose}
	}

	switch m.state {
	case Disconnected:
		if t == triggerConnect {
			return machine{state: Handshaking}, []action{doHandshake}
		}

	case Handshaking:
		switch t {
		case triggerHandshakeOK:
			return m.restore()
		case triggerHandshakeFailed, triggerTransportClosed:
			return machine{state: Disconnected}, []action{doClose}
		}

	case Connected:
		switch t {
		case triggerConnect, triggerConnectOK, triggerHandshakeOK:
			return m.restore()
		case triggerRehandshaking:
			return machine{state: Rehandshaking, needsResubscribe: true}, nil
		case triggerSessionInvalid:
			return machine{state: Rehandshaking, needsResubscribe: true}, []action{doRenew}
		case triggerTransportClosed:
			return machine{state: Disconnected}, []action{doClose}
		}

	case Rehandshaking:
		switch t {
		case triggerConnectOK, triggerHandshakeOK:
			return m.restore()
		case triggerSessionInvalid:
			return m, []action{doRenew}
		case triggerRenewFailed, triggerHandshakeFailed, triggerTransportClosed:
			return machine{state: Disconnected}, []action{doClose}
		}
	}

	return m, nil
}

// restore lands in Connected, replaying previously attached channels once if
// the server may have dropped them.
func (m machine) restore() (machine, []action) {
	actions := make([]action, 0, 2)
	if m.needsResubscribe {
		actions = append(actions, doReplayAttached)
	}
	actions = append(actions, doAttachPending)
	return machine{state: Connected}, actions
}
