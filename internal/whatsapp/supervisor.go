package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/time/rate"

	"whatsapp-ai-bot/internal/disconnect"
	"whatsapp-ai-bot/internal/metrics"
)

var (
	ErrNotConnected    = errors.New("whatsapp: not connected")
	ErrLoggedOut       = errors.New("whatsapp: logged out")
	ErrFatalDisconnect = errors.New("whatsapp: fatal disconnect")
)

// State is the supervisor's connection lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	AwaitingScan
	Connected
	Closed
)

var stateNames = [...]string{"idle", "connecting", "awaiting_scan", "connected", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Phase is the connection state as shown to the outside.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseAwaitingScan Phase = "awaiting_scan"
	PhaseConnected    Phase = "connected"
)

func (s State) Phase() Phase {
	switch s {
	case AwaitingScan:
		return PhaseAwaitingScan
	case Connected:
		return PhaseConnected
	default:
		return PhaseDisconnected
	}
}

// Snapshot is a consistent copy of the supervisor state.
type Snapshot struct {
	State State
	Phase Phase
	// QR is only set while AwaitingScan.
	QR         string
	JID        string
	LastCause  disconnect.Cause
	LastAction disconnect.Action
	Reconnects int
}

// Notifier is told about pairing codes and connection changes.
type Notifier interface {
	QR(code string)
	Connected(jid string)
	Disconnected(reason string)
}

// CredentialSink is told when a device was linked.
type CredentialSink interface {
	CredentialsUpdated(ctx context.Context, jid types.JID, platform, businessName string) error
}

// IncomingMessage is a one-to-one message received while connected.
type IncomingMessage struct {
	ID        string
	Sender    string
	Chat      types.JID
	PushName  string
	Text      string
	FromOwner bool
	Timestamp time.Time
}

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg IncomingMessage)
}

type Options struct {
	Notifier    Notifier
	Credentials CredentialSink
	Handler     MessageHandler
	// Owner is the account owner's phone number. Their messages are flagged.
	Owner string
	// MaxReconnects bounds consecutive reconnect attempts; 0 is unlimited.
	MaxReconnects int
	// BackOff overrides the reconnect delay policy.
	BackOff func() backoff.BackOff
	// Limiter paces outgoing sends.
	Limiter *rate.Limiter
	Log     waLog.Logger
}

type Supervisor struct {
	newClient  ClientFactory
	opts       Options
	log        waLog.Logger
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	startedAt  time.Time

	mu         sync.RWMutex
	client     Client
	state      State
	qr         string
	connected  bool
	lastCause  disconnect.Cause
	lastAction disconnect.Action
	reconnects int
	runCtx     context.Context

	closes  chan disconnect.Cause
	restart chan struct{}
}

func NewSupervisor(factory ClientFactory, opts Options) *Supervisor {
	s := &Supervisor{
		newClient:  factory,
		opts:       opts,
		log:        opts.Log,
		limiter:    opts.Limiter,
		newBackOff: opts.BackOff,
		startedAt:  time.Now(),
		runCtx:     context.Background(),
		closes:     make(chan disconnect.Cause, 1),
		restart:    make(chan struct{}, 1),
	}
	if s.log == nil {
		s.log = waLog.Noop
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Every(50*time.Millisecond), 5)
	}
	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	setPhaseMetric(PhaseDisconnected)
	return s
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Phase() Phase {
	return s.State().Phase()
}

// QR returns the pending pairing code, if any.
func (s *Supervisor) QR() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr, s.state == AwaitingScan && s.qr != ""
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:      s.state,
		Phase:      s.state.Phase(),
		LastCause:  s.lastCause,
		LastAction: s.lastAction,
		Reconnects: s.reconnects,
	}
	if s.state == AwaitingScan {
		snap.QR = s.qr
	}
	if s.client != nil && s.client.HasSession() {
		snap.JID = s.client.OwnJID().String()
	}
	return snap
}

// Serve runs the supervisor until ctx is done. After a terminal close it
// waits for Reconnect before starting over.
func (s *Supervisor) Serve(ctx context.Context) error {
	for {
		err := s.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Errorf("Connection supervisor stopped: %v. Type 'reconnect' to start again", err)
		select {
		case <-ctx.Done():
			return nil
		case <-s.restart:
			s.log.Infof("Restarting connection supervisor")
		}
	}
}

// Run connects and keeps the connection alive until ctx is done or the
// connection closes for a reason that must not be retried. In the latter
// case the error wraps ErrLoggedOut or ErrFatalDisconnect.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.reconnects = 0
	s.mu.Unlock()

	bo := s.newBackOff()
	if s.opts.MaxReconnects > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(s.opts.MaxReconnects))
	}
	bo.Reset()

	for {
		cause, wasConnected, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		if err != nil {
			s.log.Errorf("Connection attempt failed: %v", err)
		}
		action := disconnect.Classify(cause)
		metrics.Disconnects.WithLabelValues(cause.String(), action.String()).Inc()
		s.log.Warnf("Connection closed: %s (action: %s)", cause, action)

		switch action {
		case disconnect.ReconnectRetryable:
			s.disconnectClient()
			if wasConnected {
				bo.Reset()
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				s.closeWith(cause, disconnect.FatalUnknown)
				s.notifyDisconnected("Gave up reconnecting after " + cause.String())
				return fmt.Errorf("%w: gave up reconnecting after %s", ErrFatalDisconnect, cause)
			}
			s.markReconnecting(cause)
			s.notifyDisconnected(fmt.Sprintf("Connection %s, reconnecting in %s", cause, wait.Round(time.Millisecond)))
			metrics.ReconnectAttempts.Inc()

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				s.shutdown()
				return nil
			case <-t.C:
			case <-s.restart:
				t.Stop()
				s.log.Infof("Reconnect requested, skipping the remaining wait")
			}

		case disconnect.LogoutTerminal:
			s.logout(ctx)
			s.closeWith(cause, action)
			s.notifyDisconnected("Logged out (" + cause.String() + "), scan a new QR code to continue")
			return fmt.Errorf("%w: %s", ErrLoggedOut, cause)

		default:
			s.disconnectClient()
			s.closeWith(cause, action)
			s.notifyDisconnected("Connection closed: " + cause.String())
			return fmt.Errorf("%w: %s", ErrFatalDisconnect, cause)
		}
	}
}

// connectOnce runs a single connection until something closes it.
func (s *Supervisor) connectOnce(ctx context.Context) (disconnect.Cause, bool, error) {
	cli, err := s.ensureClient(ctx)
	if err != nil {
		return disconnect.CauseUnknown, false, err
	}
	s.drainCloses()
	s.transition(Connecting)

	qrCtx, cancelQR := context.WithCancel(ctx)
	defer cancelQR()
	if !cli.HasSession() {
		s.log.Infof("No stored session, requesting QR channel")
		ch, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			return disconnect.CauseUnknown, false, fmt.Errorf("failed to get QR channel: %w", err)
		}
		go s.relayQR(ch)
	}

	s.log.Infof("Connecting to WhatsApp")
	if err := cli.Connect(); err != nil {
		s.log.Errorf("Failed to connect: %v", err)
		return disconnect.CauseConnectionLost, false, nil
	}

	select {
	case <-ctx.Done():
		return disconnect.CauseUnknown, s.wasConnected(), ctx.Err()
	case cause := <-s.closes:
		return cause, s.wasConnected(), nil
	}
}

func (s *Supervisor) ensureClient(ctx context.Context) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	cli, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}
	cli.AddEventHandler(s.handleEvent)
	s.client = cli
	return cli, nil
}

func (s *Supervisor) relayQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.setQR(item.Code)
		case "success":
			s.log.Infof("QR code scanned, device linked")
		default:
			s.log.Infof("QR channel result: %s", item.Event)
			if cause, ok := qrCause(item.Event); ok {
				s.signalClose(cause)
			}
		}
	}
}

func (s *Supervisor) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		jid := s.markConnected()
		s.log.Infof("Connected as %s", jid)
		if s.opts.Notifier != nil {
			s.opts.Notifier.Connected(jid)
		}
		return
	case *events.PairSuccess:
		s.log.Infof("Paired %s (platform: %q, business name: %q)", e.ID, e.Platform, e.BusinessName)
		if s.opts.Credentials != nil {
			if err := s.opts.Credentials.CredentialsUpdated(s.context(), e.ID, e.Platform, e.BusinessName); err != nil {
				s.log.Errorf("Failed to record pairing: %v", err)
			}
		}
		return
	case *events.Message:
		s.forwardMessage(e)
		return
	case *events.KeepAliveTimeout:
		s.log.Warnf("Keepalive timeout (%d consecutive)", e.ErrorCount)
	}
	if cause, ok := CauseOf(evt); ok {
		s.signalClose(cause)
	}
}

func (s *Supervisor) forwardMessage(e *events.Message) {
	if s.opts.Handler == nil || s.State() != Connected {
		return
	}
	info := e.Info
	if info.IsFromMe || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return
	}
	if info.Timestamp.Before(s.startedAt) {
		s.log.Debugf("Skipping message %s sent before startup", info.ID)
		return
	}
	s.log.Infof("Received message %s from %s", info.ID, info.SourceString())
	s.opts.Handler.HandleMessage(s.context(), IncomingMessage{
		ID:        info.ID,
		Sender:    info.Chat.ToNonAD().String(),
		Chat:      info.Chat,
		PushName:  info.PushName,
		Text:      messageText(e.Message),
		FromOwner: s.opts.Owner != "" && info.Sender.User == s.opts.Owner,
		Timestamp: info.Timestamp,
	})
}

func messageText(m *waProto.Message) string {
	if m == nil {
		return ""
	}
	if text := m.GetConversation(); text != "" {
		return text
	}
	return m.GetExtendedTextMessage().GetText()
}

// Reconnect drops the current connection and connects again. A stopped
// supervisor is started again.
func (s *Supervisor) Reconnect() {
	switch s.State() {
	case Idle, Closed:
		select {
		case s.restart <- struct{}{}:
		default:
		}
	default:
		s.signalClose(disconnect.CauseRestartRequired)
	}
}

// Logout unlinks the device and stops the supervisor.
func (s *Supervisor) Logout() {
	s.signalClose(disconnect.CauseLoggedOut)
}

func (s *Supervisor) signalClose(cause disconnect.Cause) {
	switch s.State() {
	case Connecting, AwaitingScan, Connected:
	default:
		return
	}
	select {
	case s.closes <- cause:
	default:
	}
}

func (s *Supervisor) drainCloses() {
	for {
		select {
		case <-s.closes:
		default:
			return
		}
	}
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	s.state = to
	if to != AwaitingScan {
		s.qr = ""
	}
	if to == Connecting {
		s.connected = false
	}
	s.mu.Unlock()
	setPhaseMetric(to.Phase())
}

func (s *Supervisor) setQR(code string) {
	s.mu.Lock()
	if s.state != Connecting && s.state != AwaitingScan {
		s.mu.Unlock()
		return
	}
	s.state = AwaitingScan
	s.qr = code
	s.mu.Unlock()
	setPhaseMetric(PhaseAwaitingScan)

	s.log.Infof("New QR code received, waiting for scan")
	if s.opts.Notifier != nil {
		s.opts.Notifier.QR(code)
	}
}

func (s *Supervisor) markConnected() string {
	s.transition(Connected)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.reconnects = 0
	if s.client == nil {
		return ""
	}
	return s.client.OwnJID().String()
}

func (s *Supervisor) wasConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Supervisor) markReconnecting(cause disconnect.Cause) {
	s.mu.Lock()
	s.state = Idle
	s.qr = ""
	s.lastCause = cause
	s.lastAction = disconnect.ReconnectRetryable
	s.reconnects++
	s.mu.Unlock()
	setPhaseMetric(PhaseDisconnected)
}

func (s *Supervisor) closeWith(cause disconnect.Cause, action disconnect.Action) {
	s.mu.Lock()
	s.state = Closed
	s.qr = ""
	s.lastCause = cause
	s.lastAction = action
	s.mu.Unlock()
	setPhaseMetric(PhaseDisconnected)
}

func (s *Supervisor) notifyDisconnected(reason string) {
	if s.opts.Notifier != nil {
		s.opts.Notifier.Disconnected(reason)
	}
}

func (s *Supervisor) disconnectClient() {
	s.mu.RLock()
	cli := s.client
	s.mu.RUnlock()
	if cli != nil {
		cli.Disconnect()
	}
}

// logout tears down the session and drops the client so the next start
// builds a fresh one.
func (s *Supervisor) logout(ctx context.Context) {
	s.mu.Lock()
	cli := s.client
	s.client = nil
	s.mu.Unlock()
	if cli == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := cli.Logout(ctx); err != nil {
		s.log.Errorf("Error logging out: %v", err)
	} else {
		s.log.Infof("Successfully logged out")
	}
	cli.Disconnect()
}

func (s *Supervisor) shutdown() {
	s.disconnectClient()
	s.mu.Lock()
	s.state = Closed
	s.qr = ""
	s.mu.Unlock()
	setPhaseMetric(PhaseDisconnected)
}

func setPhaseMetric(p Phase) {
	metrics.SetPhase(string(p), string(PhaseDisconnected), string(PhaseAwaitingScan), string(PhaseConnected))
}

func (s *Supervisor) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx
}
