package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-ai-bot/internal/disconnect"
	"whatsapp-ai-bot/internal/dispatch"
	"whatsapp-ai-bot/internal/store"
	"whatsapp-ai-bot/internal/whatsapp"
)

type fakeConnection struct {
	mu         sync.Mutex
	snap       whatsapp.Snapshot
	pairCode   string
	pairErr    error
	paired     []string
	reconnects int
	logouts    int
	checked    []string
}

func (f *fakeConnection) Snapshot() whatsapp.Snapshot { return f.snap }

func (f *fakeConnection) PairPhone(_ context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paired = append(f.paired, phone)
	return f.pairCode, f.pairErr
}

func (f *fakeConnection) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeConnection) Logout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
}

func (f *fakeConnection) CheckUsers(phones []string) ([]types.IsOnWhatsAppResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, phones...)
	return []types.IsOnWhatsAppResponse{{Query: phones[0], IsIn: true}}, nil
}

type fakeResetter struct {
	reset []string
	found bool
}

func (f *fakeResetter) Reset(_ context.Context, sender string) (bool, error) {
	f.reset = append(f.reset, sender)
	return f.found, nil
}

func newTestConsole(t *testing.T) (*console, *fakeConnection, *fakeResetter, *bytes.Buffer) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "bot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn := &fakeConnection{}
	resetter := &fakeResetter{found: true}
	var out bytes.Buffer
	return &console{
		sup:      conn,
		sessions: resetter,
		dir:      db,
		pairs:    &pairGate{decisions: make(chan bool)},
		out:      &out,
		log:      waLog.Noop,
	}, conn, resetter, &out
}

func TestConsolePairPhone(t *testing.T) {
	c, conn, _, out := newTestConsole(t)
	conn.pairCode = "ABCD-EFGH"

	c.handle(context.Background(), "pair-phone", []string{"+15551234567"})
	assert.Equal(t, []string{"+15551234567"}, conn.paired)
	assert.Equal(t, "Linking code: ABCD-EFGH\n", out.String())

	out.Reset()
	conn.pairErr = errors.New("already paired")
	c.handle(context.Background(), "pair-phone", []string{"1"})
	assert.Empty(t, out.String())

	c.handle(context.Background(), "pair-phone", nil)
	assert.Len(t, conn.paired, 2, "missing argument is rejected before pairing")
}

func TestConsoleConnectionCommands(t *testing.T) {
	c, conn, _, out := newTestConsole(t)

	c.handle(context.Background(), "reconnect", nil)
	c.handle(context.Background(), "logout", nil)
	c.handle(context.Background(), "checkuser", []string{"+15551234567"})
	assert.Equal(t, 1, conn.reconnects)
	assert.Equal(t, 1, conn.logouts)
	assert.Equal(t, []string{"+15551234567"}, conn.checked)

	conn.snap = whatsapp.Snapshot{
		State:      whatsapp.Closed,
		Phase:      whatsapp.PhaseDisconnected,
		LastCause:  disconnect.CauseLoggedOut,
		LastAction: disconnect.LogoutTerminal,
	}
	c.handle(context.Background(), "status", nil)
	assert.Contains(t, out.String(), "phase: disconnected")
	assert.Contains(t, out.String(), "last close: logged_out (logout)")
}

func TestConsoleReset(t *testing.T) {
	c, _, resetter, _ := newTestConsole(t)

	c.handle(context.Background(), "reset", []string{"+62812"})
	c.handle(context.Background(), "reset", []string{"62813@s.whatsapp.net"})
	c.handle(context.Background(), "reset", nil)
	c.handle(context.Background(), "reset", []string{"@bad"})

	assert.Equal(t, []string{"62812@s.whatsapp.net", "62813@s.whatsapp.net"}, resetter.reset)
}

func TestConsoleAddApplicant(t *testing.T) {
	c, _, _, _ := newTestConsole(t)
	ctx := context.Background()

	c.handle(ctx, "add-applicant", []string{"+6281234", "Siti", "Rahma"})
	c.handle(ctx, "add-applicant", []string{"6281"})

	entries, err := c.dir.(*store.DB).Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Siti Rahma (+6281234)"}, entries)
}

func TestConsoleRejectsPendingPair(t *testing.T) {
	c, conn, _, _ := newTestConsole(t)
	prePair := c.pairs.prePair(waLog.Noop)

	result := make(chan bool, 1)
	go func() {
		result <- prePair(types.NewJID("15551234567", types.DefaultUserServer), "android", "")
	}()
	require.Eventually(t, c.pairs.waiting.Load, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.run(ctx, strings.NewReader("r\n"))
		close(done)
	}()

	select {
	case accepted := <-result:
		assert.False(t, accepted)
	case <-time.After(2 * time.Second):
		t.Fatal("pairing was not rejected")
	}
	<-done
	assert.Zero(t, conn.reconnects, "answers to a pending pair are not commands")
}

func TestPairAcceptedAfterTimeout(t *testing.T) {
	gate := &pairGate{decisions: make(chan bool)}
	assert.False(t, gate.decide("r"), "no pairing is pending")
	assert.True(t, gate.prePair(waLog.Noop)(types.EmptyJID, "", ""))
}

func TestMessageRelay(t *testing.T) {
	var got dispatch.InboundMessage
	relay := messageRelay{submit: func(_ context.Context, m dispatch.InboundMessage) { got = m }}
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	relay.HandleMessage(context.Background(), whatsapp.IncomingMessage{
		Sender:    "62812@s.whatsapp.net",
		Text:      "hello",
		FromOwner: true,
		Timestamp: ts,
	})
	assert.Equal(t, dispatch.InboundMessage{
		Sender:     "62812@s.whatsapp.net",
		Text:       "hello",
		FromOwner:  true,
		ReceivedAt: ts,
	}, got)
}
