package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-ai-bot/internal/disconnect"
)

func TestCauseOf(t *testing.T) {
	tests := []struct {
		name  string
		evt   any
		cause disconnect.Cause
		ok    bool
	}{
		{"disconnected", &events.Disconnected{}, disconnect.CauseConnectionClosed, true},
		{"stream replaced", &events.StreamReplaced{}, disconnect.CauseConnectionReplaced, true},
		{"logged out", &events.LoggedOut{}, disconnect.CauseLoggedOut, true},
		{"client outdated", &events.ClientOutdated{}, disconnect.CauseBadSession, true},
		{"temporary ban", &events.TemporaryBan{}, disconnect.CauseUnknown, true},
		{"connect failure logged out", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, disconnect.CauseLoggedOut, true},
		{"connect failure outdated", &events.ConnectFailure{Reason: events.ConnectFailureClientOutdated}, disconnect.CauseBadSession, true},
		{"connect failure 503", &events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, disconnect.CauseRestartRequired, true},
		{"connect failure other", &events.ConnectFailure{Reason: events.ConnectFailureReason(999)}, disconnect.CauseUnknown, true},
		{"stream error 515", &events.StreamError{Code: "515"}, disconnect.CauseRestartRequired, true},
		{"stream error other", &events.StreamError{Code: "401"}, disconnect.CauseUnknown, true},
		{"keepalive once", &events.KeepAliveTimeout{ErrorCount: 1}, disconnect.CauseUnknown, false},
		{"keepalive repeated", &events.KeepAliveTimeout{ErrorCount: 3}, disconnect.CauseTimedOut, true},
		{"connected", &events.Connected{}, disconnect.CauseUnknown, false},
		{"message", &events.Message{}, disconnect.CauseUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cause, ok := CauseOf(tt.evt)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.cause, cause)
		})
	}
}

func TestQRCause(t *testing.T) {
	_, ok := qrCause("code")
	assert.False(t, ok)
	cause, ok := qrCause("timeout")
	assert.True(t, ok)
	assert.Equal(t, disconnect.CauseTimedOut, cause)
	cause, ok = qrCause("err-unexpected-state")
	assert.True(t, ok)
	assert.Equal(t, disconnect.FatalUnknown, disconnect.Classify(cause))
}

func TestParseJID(t *testing.T) {
	jid, err := ParseJID(" +628111 ")
	require.NoError(t, err)
	assert.Equal(t, types.NewJID("628111", types.DefaultUserServer), jid)

	jid, err = ParseJID("1203630@g.us")
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, jid.Server)

	_, err = ParseJID("")
	assert.Error(t, err)
	_, err = ParseJID("@s.whatsapp.net")
	assert.Error(t, err)
}

func TestKindForFile(t *testing.T) {
	for name, want := range map[string]MediaKind{
		"a.jpg": KindImage, "a.JPEG": KindImage, "a.png": KindImage, "a.gif": KindImage,
		"a.mp3": KindAudio, "a.ogg": KindAudio,
		"a.pdf": KindDocument, "a": KindDocument, "a.mp4": KindDocument,
	} {
		assert.Equal(t, want, KindForFile(name), name)
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "628111", normalizePhone("+62 811-1"))
	assert.Equal(t, "628111", normalizePhone("628111@s.whatsapp.net"))
	assert.Equal(t, "", normalizePhone("abc"))
}
