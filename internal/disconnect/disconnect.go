// Package disconnect maps the reason a WhatsApp connection closed to what the
// supervisor should do about it.
package disconnect

// Cause is the reason a connection was closed.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseBadSession
	CauseConnectionClosed
	CauseConnectionLost
	CauseConnectionReplaced
	CauseLoggedOut
	CauseRestartRequired
	CauseTimedOut
)

var causeNames = map[Cause]string{
	CauseUnknown:            "unknown",
	CauseBadSession:         "bad_session",
	CauseConnectionClosed:   "connection_closed",
	CauseConnectionLost:     "connection_lost",
	CauseConnectionReplaced: "connection_replaced",
	CauseLoggedOut:          "logged_out",
	CauseRestartRequired:    "restart_required",
	CauseTimedOut:           "timed_out",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return causeNames[CauseUnknown]
}

// Action is the supervisor's response to a closed connection.
type Action int

const (
	// FatalUnknown tears the connection down without restarting it.
	FatalUnknown Action = iota
	// LogoutTerminal logs the device out; pairing again is required.
	LogoutTerminal
	// ReconnectRetryable reconnects with the stored credentials.
	ReconnectRetryable
)

func (a Action) String() string {
	switch a {
	case LogoutTerminal:
		return "logout"
	case ReconnectRetryable:
		return "reconnect"
	default:
		return "fatal"
	}
}

// Classify returns the action for cause. Unrecognized causes are fatal.
func Classify(cause Cause) Action {
	switch cause {
	case CauseBadSession, CauseConnectionReplaced, CauseLoggedOut:
		return LogoutTerminal
	case CauseConnectionClosed, CauseConnectionLost, CauseRestartRequired, CauseTimedOut:
		return ReconnectRetryable
	default:
		return FatalUnknown
	}
}
