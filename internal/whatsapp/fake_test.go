package whatsapp

import (
	"context"
	"errors"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
)

type sentMessage struct {
	to  types.JID
	msg *waProto.Message
}

type fakeClient struct {
	mu          sync.Mutex
	handlers    []whatsmeow.EventHandler
	hasSession  bool
	jid         types.JID
	connectErr  error
	connects    int
	disconnects int
	logouts     int
	qrChans     []chan whatsmeow.QRChannelItem
	sent        []sentMessage
	uploads     int
	registered  map[string]types.JID
	sendErr     map[string]error

	// onConnect runs synchronously inside Connect, like whatsmeow firing
	// events from its own goroutine before the test looks at the state.
	onConnect func(f *fakeClient)
}

func newFakeClient(paired bool) *fakeClient {
	f := &fakeClient{hasSession: paired, registered: map[string]types.JID{}, sendErr: map[string]error{}}
	if paired {
		f.jid = types.NewJID("628000", types.DefaultUserServer)
	}
	return f
}

func (f *fakeClient) emit(evt any) {
	f.mu.Lock()
	handlers := append([]whatsmeow.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	hook := f.onConnect
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.hasSession = false
	return nil
}

func (f *fakeClient) IsConnected() bool { return true }

func (f *fakeClient) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasSession
}

func (f *fakeClient) OwnJID() types.JID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jid
}

func (f *fakeClient) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	ch := make(chan whatsmeow.QRChannelItem, 4)
	f.mu.Lock()
	f.qrChans = append(f.qrChans, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeClient) lastQR() chan whatsmeow.QRChannelItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.qrChans) == 0 {
		return nil
	}
	return f.qrChans[len(f.qrChans)-1]
}

func (f *fakeClient) AddEventHandler(h whatsmeow.EventHandler) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return uint32(len(f.handlers))
}

func (f *fakeClient) SendMessage(_ context.Context, to types.JID, msg *waProto.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[to.User]; err != nil {
		return whatsmeow.SendResponse{}, err
	}
	f.sent = append(f.sent, sentMessage{to, msg})
	return whatsmeow.SendResponse{ID: "msg-id"}, nil
}

func (f *fakeClient) Upload(_ context.Context, data []byte, _ whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return whatsmeow.UploadResponse{URL: "https://mmg.example/file", DirectPath: "/v/file", MediaKey: []byte("key"), FileLength: uint64(len(data))}, nil
}

func (f *fakeClient) IsOnWhatsApp(phones []string) ([]types.IsOnWhatsAppResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.IsOnWhatsAppResponse
	for _, p := range phones {
		jid, ok := f.registered[p]
		out = append(out, types.IsOnWhatsAppResponse{Query: p, JID: jid, IsIn: ok})
	}
	return out, nil
}

func (f *fakeClient) PairPhone(_ context.Context, phone string, _ bool, _ whatsmeow.PairClientType, _ string) (string, error) {
	if phone == "" {
		return "", errors.New("empty phone")
	}
	return "ABCD-EFGH", nil
}

func (f *fakeClient) counts() (connects, disconnects, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.logouts
}

func (f *fakeClient) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type recordingNotifier struct {
	mu           sync.Mutex
	qrs          []string
	connected    []string
	disconnected []string
}

func (n *recordingNotifier) QR(code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.qrs = append(n.qrs, code)
}

func (n *recordingNotifier) Connected(jid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, jid)
}

func (n *recordingNotifier) Disconnected(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, reason)
}

func (n *recordingNotifier) snapshot() (qrs, connected, disconnected []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.qrs...), append([]string(nil), n.connected...), append([]string(nil), n.disconnected...)
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []IncomingMessage
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg IncomingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) all() []IncomingMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]IncomingMessage(nil), h.msgs...)
}

type recordingCreds struct {
	mu   sync.Mutex
	jids []types.JID
}

func (c *recordingCreds) CredentialsUpdated(_ context.Context, jid types.JID, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jids = append(c.jids, jid)
	return nil
}
