package notify

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vincent-petithory/dataurl"

	"whatsapp-ai-bot/internal/whatsapp"
)

type fakeSource struct {
	mu   sync.Mutex
	snap whatsapp.Snapshot
}

func (f *fakeSource) Snapshot() whatsapp.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func startHub(t *testing.T, src Source, opts HubOptions) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(src, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestReplayAwaitingScan(t *testing.T) {
	src := &fakeSource{snap: whatsapp.Snapshot{Phase: whatsapp.PhaseAwaitingScan, QR: "2@pairing-code"}}
	_, srv := startHub(t, src, HubOptions{})
	conn := dial(t, srv)

	qr := readFrame(t, conn)
	assert.Equal(t, EventQR, qr.Event)
	require.True(t, strings.HasPrefix(qr.Data, "data:image/png;base64,"))
	decoded, err := dataurl.DecodeString(qr.Data)
	require.NoError(t, err)
	assert.Equal(t, "image/png", decoded.ContentType())

	assert.Equal(t, Frame{Event: EventLog, Data: "QR Code received, please scan!"}, readFrame(t, conn))
}

func TestReplayConnectedAndDisconnected(t *testing.T) {
	src := &fakeSource{snap: whatsapp.Snapshot{Phase: whatsapp.PhaseConnected, JID: "628000@s.whatsapp.net"}}
	_, srv := startHub(t, src, HubOptions{})
	conn := dial(t, srv)
	assert.Equal(t, Frame{Event: EventQRStatus, Data: ConnectedIcon}, readFrame(t, conn))
	assert.Equal(t, EventLog, readFrame(t, conn).Event)

	src.mu.Lock()
	src.snap = whatsapp.Snapshot{Phase: whatsapp.PhaseDisconnected}
	src.mu.Unlock()
	other := dial(t, srv)
	assert.Equal(t, Frame{Event: EventQRStatus, Data: LoadingIcon}, readFrame(t, other))
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	src := &fakeSource{snap: whatsapp.Snapshot{Phase: whatsapp.PhaseDisconnected}}
	var term bytes.Buffer
	h, srv := startHub(t, src, HubOptions{Terminal: &term})

	a, b := dial(t, srv), dial(t, srv)
	for _, c := range []*websocket.Conn{a, b} {
		readFrame(t, c)
		readFrame(t, c)
	}

	h.QR("2@new-code")
	h.Connected("628000@s.whatsapp.net")
	h.Disconnected("Connection timed_out, reconnecting in 1s")

	for _, c := range []*websocket.Conn{a, b} {
		assert.Equal(t, EventQR, readFrame(t, c).Event)
		assert.Equal(t, EventLog, readFrame(t, c).Event)
		assert.Equal(t, Frame{Event: EventQRStatus, Data: ConnectedIcon}, readFrame(t, c))
		assert.Equal(t, Frame{Event: EventLog, Data: "WhatsApp connected as 628000@s.whatsapp.net"}, readFrame(t, c))
		assert.Equal(t, Frame{Event: EventQRStatus, Data: LoadingIcon}, readFrame(t, c))
		assert.Equal(t, Frame{Event: EventLog, Data: "Connection timed_out, reconnecting in 1s"}, readFrame(t, c))
	}
	assert.NotZero(t, term.Len())
}

func TestOriginCheck(t *testing.T) {
	_, srv := startHub(t, nil, HubOptions{AllowedOrigins: []string{"https://allowed.example"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://allowed.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestQRDataURL(t *testing.T) {
	url, err := QRDataURL("2@abc")
	require.NoError(t, err)
	d, err := dataurl.DecodeString(url)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(d.Data, []byte("\x89PNG")))
}
