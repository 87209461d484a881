package whatsapp

import (
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-ai-bot/internal/disconnect"
)

// keepAliveFailures is how many missed keepalives count as a timeout.
const keepAliveFailures = 3

// CauseOf reports whether evt closes the connection and, if so, why.
func CauseOf(evt any) (disconnect.Cause, bool) {
	switch e := evt.(type) {
	case *events.Disconnected:
		return disconnect.CauseConnectionClosed, true
	case *events.StreamReplaced:
		return disconnect.CauseConnectionReplaced, true
	case *events.LoggedOut:
		return disconnect.CauseLoggedOut, true
	case *events.ClientOutdated:
		return disconnect.CauseBadSession, true
	case *events.TemporaryBan:
		return disconnect.CauseUnknown, true
	case *events.ConnectFailure:
		return connectFailureCause(e.Reason), true
	case *events.StreamError:
		if e.Code == "515" {
			return disconnect.CauseRestartRequired, true
		}
		return disconnect.CauseUnknown, true
	case *events.KeepAliveTimeout:
		if e.ErrorCount >= keepAliveFailures {
			return disconnect.CauseTimedOut, true
		}
	}
	return disconnect.CauseUnknown, false
}

func connectFailureCause(reason events.ConnectFailureReason) disconnect.Cause {
	if reason.IsLoggedOut() {
		return disconnect.CauseLoggedOut
	}
	switch reason {
	case events.ConnectFailureClientOutdated,
		events.ConnectFailureBadUserAgent,
		events.ConnectFailureCATExpired,
		events.ConnectFailureCATInvalid,
		events.ConnectFailureClientUnknown:
		return disconnect.CauseBadSession
	case events.ConnectFailureInternalServerError,
		events.ConnectFailureServiceUnavailable:
		return disconnect.CauseRestartRequired
	}
	return disconnect.CauseUnknown
}

// qrCause maps a terminal QR channel event to a close cause.
func qrCause(event string) (disconnect.Cause, bool) {
	switch event {
	case "code", "success":
		return disconnect.CauseUnknown, false
	case "timeout":
		return disconnect.CauseTimedOut, true
	case "err-client-outdated":
		return disconnect.CauseBadSession, true
	}
	return disconnect.CauseUnknown, true
}
