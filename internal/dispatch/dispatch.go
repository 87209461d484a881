// Package dispatch decides how the bot answers an incoming message: the
// consent gate, the mute window, the AI call and the directory command.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-ai-bot/internal/metrics"
	"whatsapp-ai-bot/internal/session"
)

// ErrCollaborator marks failures of the AI or directory collaborators.
var ErrCollaborator = errors.New("dispatch: collaborator failed")

// MuteDuration is how long a sender who declined stays silent.
const MuteDuration = time.Hour

// InboundMessage is one text message received from a sender.
type InboundMessage struct {
	Sender     string
	Text       string
	FromOwner  bool
	ReceivedAt time.Time
}

// Sender delivers a text to a WhatsApp user.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Completer produces the AI reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Directory lists the entries shown by the directory command.
type Directory interface {
	Entries(ctx context.Context) ([]string, error)
}

// Outcome is what Handle did with a message.
type Outcome int

const (
	Ignored Outcome = iota
	Dropped
	Prompted
	OptedIn
	OptedOut
	Answered
	Listed
	Apologized
)

var outcomeNames = [...]string{"ignored", "dropped", "prompted", "opted_in", "opted_out", "answered", "listed", "apologized"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type Dispatcher struct {
	sessions  *session.Store
	out       Sender
	ai        Completer
	dir       Directory
	texts     Texts
	log       waLog.Logger
	now       func() time.Time
	aiTimeout time.Duration

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithDirectory(dir Directory) Option { return func(d *Dispatcher) { d.dir = dir } }
func WithTexts(t Texts) Option           { return func(d *Dispatcher) { d.texts = t } }
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}
func WithAITimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.aiTimeout = timeout }
}

func New(sessions *session.Store, out Sender, ai Completer, log waLog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = waLog.Noop
	}
	d := &Dispatcher{
		sessions:  sessions,
		out:       out,
		ai:        ai,
		texts:     DefaultTexts(),
		log:       log,
		now:       time.Now,
		aiTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit handles msg on its own goroutine so a slow AI call for one sender
// never holds up another.
func (d *Dispatcher) Submit(ctx context.Context, msg InboundMessage) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Handle(ctx, msg); err != nil {
			d.log.Errorf("Failed to handle message from %s: %v", msg.Sender, err)
		}
	}()
}

// Wait blocks until every submitted message has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Reset forgets everything about sender.
func (d *Dispatcher) Reset(ctx context.Context, sender string) (bool, error) {
	return d.sessions.Reset(ctx, sender)
}

type action int

const (
	actNone action = iota
	actPrompt
	actWelcome
	actGoodbye
	actAsk
	actList
)

var errMuted = errors.New("sender is muted")

// Handle runs the dispatch rules for one message. Every message that passes
// the owner, empty-text and mute checks gets exactly one reply, and the
// sender's state is persisted before that reply is sent.
func (d *Dispatcher) Handle(ctx context.Context, msg InboundMessage) (outcome Outcome, err error) {
	text := strings.TrimSpace(msg.Text)
	if msg.FromOwner || text == "" || strings.TrimSpace(msg.Sender) == "" {
		metrics.InboundMessages.WithLabelValues(Ignored.String()).Inc()
		return Ignored, nil
	}

	// attempted is set once a reply has been handed to the sender so the
	// recovery path never produces a second message.
	attempted := false
	defer func() {
		if p := recover(); p != nil {
			d.log.Errorf("Panic while handling message from %s: %v\n%s", msg.Sender, p, debug.Stack())
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil && !attempted && outcome != Dropped {
			if sendErr := d.out.SendText(ctx, msg.Sender, d.texts.Apology); sendErr != nil {
				err = errors.Join(err, sendErr)
			}
			outcome = Apologized
		}
		metrics.InboundMessages.WithLabelValues(outcome.String()).Inc()
	}()

	var (
		act    action
		prompt string
	)
	_, err = d.sessions.Upsert(ctx, msg.Sender, func(st *session.SenderState, created bool) error {
		act, prompt = d.decide(st, created, text)
		if act == actNone {
			return errMuted
		}
		return nil
	})
	if errors.Is(err, errMuted) {
		d.log.Debugf("Dropping message from muted sender %s", msg.Sender)
		return Dropped, nil
	} else if err != nil {
		return Ignored, err
	}

	var reply string
	switch act {
	case actPrompt:
		reply, outcome = d.texts.ConsentPrompt, Prompted
	case actWelcome:
		reply, outcome = d.texts.Welcome, OptedIn
	case actGoodbye:
		reply, outcome = d.texts.Goodbye, OptedOut
	case actList:
		reply, err = d.listDirectory(ctx)
		outcome = Listed
	case actAsk:
		reply, err = d.ask(ctx, prompt)
		outcome = Answered
	}
	if err != nil {
		d.log.Warnf("Replying to %s with apology: %v", msg.Sender, err)
		reply, outcome, err = d.texts.Apology, Apologized, nil
	}

	attempted = true
	if err := d.out.SendText(ctx, msg.Sender, reply); err != nil {
		return outcome, fmt.Errorf("failed to send reply to %s: %w", msg.Sender, err)
	}
	return outcome, nil
}

// decide applies the state transition for text and reports which reply to
// send. It runs under the sender's lock.
func (d *Dispatcher) decide(st *session.SenderState, created bool, text string) (action, string) {
	now := d.now()
	if st.OptIn == session.Muted {
		if st.MutedAt(now) {
			return actNone, ""
		}
		st.OptIn = session.AwaitingConsent
		st.MuteUntil = time.Time{}
	}

	if d.dir != nil && d.texts.DirectoryCommand != "" && strings.EqualFold(text, d.texts.DirectoryCommand) {
		st.AppendHistory(text)
		return actList, ""
	}

	if created {
		st.OptIn = session.AwaitingConsent
		st.AppendHistory(text)
		return actPrompt, ""
	}

	switch st.OptIn {
	case session.Enabled:
		prompt := buildPrompt(st.History, text)
		st.AppendHistory(text)
		return actAsk, prompt
	default:
		st.AppendHistory(text)
		switch {
		case matches(text, d.texts.Yes):
			st.OptIn = session.Enabled
			return actWelcome, ""
		case matches(text, d.texts.No):
			st.OptIn = session.Muted
			st.MuteUntil = now.Add(MuteDuration)
			return actGoodbye, ""
		default:
			st.OptIn = session.AwaitingConsent
			return actPrompt, ""
		}
	}
}

// buildPrompt puts the sender's earlier messages ahead of the new one.
func buildPrompt(history []string, text string) string {
	if over := len(history) - session.HistoryLimit; over > 0 {
		history = history[over:]
	}
	if len(history) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString("Previous messages from this user:\n")
	for _, h := range history {
		sb.WriteString("- ")
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nNew message:\n")
	sb.WriteString(text)
	return sb.String()
}

func (d *Dispatcher) ask(ctx context.Context, prompt string) (string, error) {
	if d.ai == nil {
		metrics.AICalls.WithLabelValues("unavailable").Inc()
		return "", fmt.Errorf("%w: no AI configured", ErrCollaborator)
	}
	ctx, cancel := context.WithTimeout(ctx, d.aiTimeout)
	defer cancel()

	reply, err := d.ai.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		metrics.AICalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %w", ErrCollaborator, err)
	}
	metrics.AICalls.WithLabelValues("ok").Inc()
	return reply, nil
}

func (d *Dispatcher) listDirectory(ctx context.Context) (string, error) {
	entries, err := d.dir.Entries(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCollaborator, err)
	}
	if len(entries) == 0 {
		return d.texts.DirectoryEmpty, nil
	}
	var sb strings.Builder
	sb.WriteString(d.texts.DirectoryTitle)
	for i, e := range entries {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, e)
	}
	return sb.String(), nil
}
