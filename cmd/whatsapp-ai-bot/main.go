package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/errgroup"

	"whatsapp-ai-bot/internal/ai"
	"whatsapp-ai-bot/internal/api"
	"whatsapp-ai-bot/internal/config"
	"whatsapp-ai-bot/internal/dispatch"
	"whatsapp-ai-bot/internal/metrics"
	"whatsapp-ai-bot/internal/notify"
	"whatsapp-ai-bot/internal/session"
	"whatsapp-ai-bot/internal/store"
	"whatsapp-ai-bot/internal/whatsapp"
	"whatsapp-ai-bot/web"
)

func main() {
	fmt.Println("Starting WhatsApp bot...")
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	root := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}).
		Level(level).With().Timestamp().Logger()
	log := waLog.Zerolog(root.With().Str("module", "Main").Logger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.StateDB, log.Sub("Database"))
	if err != nil {
		return err
	}
	defer db.Close()
	sessions := session.NewStore(db, cfg.SessionTTL)

	// A nil *ai.Gemini must not end up inside the interface.
	var completer dispatch.Completer
	if cfg.GeminiKey != "" {
		gemini, err := ai.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel, cfg.AITimeout)
		if err != nil {
			return err
		}
		defer gemini.Close()
		completer = gemini
	} else {
		log.Warnf("GEMINI_API_KEY is not set, opted-in senders will get the apology message")
	}

	pairs := &pairGate{decisions: make(chan bool)}
	factory, err := whatsapp.NewDeviceFactory(ctx, whatsapp.DeviceOptions{
		Dialect:         cfg.DBDialect,
		Address:         cfg.DBAddress,
		RequestFullSync: cfg.RequestFullSync,
		Log:             log.Sub("Client"),
		DBLog:           log.Sub("Database"),
		PrePair:         pairs.prePair(log),
	})
	if err != nil {
		return err
	}

	var (
		sup        *whatsapp.Supervisor
		dispatcher *dispatch.Dispatcher
	)
	hub := notify.NewHub(supervisorSource{&sup}, notify.HubOptions{
		Terminal:       os.Stdout,
		AllowedOrigins: cfg.CORSOrigins,
		Log:            log.Sub("Notify"),
	})
	sup = whatsapp.NewSupervisor(factory, whatsapp.Options{
		Notifier:      hub,
		Credentials:   pairingRecorder{db: db, log: log},
		Handler:       messageRelay{submit: func(ctx context.Context, m dispatch.InboundMessage) { dispatcher.Submit(ctx, m) }},
		Owner:         cfg.Owner,
		MaxReconnects: cfg.MaxReconnects,
		Log:           log.Sub("Supervisor"),
	})
	dispatcher = dispatch.New(sessions, sup, completer, log.Sub("Dispatch"),
		dispatch.WithDirectory(db),
		dispatch.WithAITimeout(cfg.AITimeout),
	)

	server := api.NewServer(api.Options{
		Messenger:   sup,
		Push:        hub,
		Static:      web.Files,
		CORSOrigins: cfg.CORSOrigins,
		UploadDir:   cfg.UploadDir,
		Log:         log.Sub("HTTP"),
	})

	sweeper := store.NewSweeper(db, cfg.Retention, log.Sub("Sweeper"))
	sweeper.OnSweep = func(purged int64) {
		metrics.PurgedSessions.Add(float64(purged))
		metrics.CachedSessions.Set(float64(sessions.Len()))
	}
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	if p, ok, err := db.LastPairing(ctx); err != nil {
		log.Warnf("Failed to read last pairing: %v", err)
	} else if ok {
		log.Infof("Last paired as %s on %s", p.JID, p.PairedAt.Format(time.RFC1123))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sup.Serve(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.Addr) })

	if os.Getenv("DOCKER_MODE") != "true" {
		con := &console{
			sup:      sup,
			sessions: dispatcher,
			dir:      db,
			pairs:    pairs,
			out:      os.Stdout,
			log:      log,
		}
		go con.run(gctx, os.Stdin)
	}

	err = g.Wait()
	log.Infof("Shutting down, waiting for in-flight messages")
	dispatcher.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// supervisorSource lets the hub be built before the supervisor it reports on.
type supervisorSource struct {
	sup **whatsapp.Supervisor
}

func (s supervisorSource) Snapshot() whatsapp.Snapshot {
	if *s.sup == nil {
		return whatsapp.Snapshot{Phase: whatsapp.PhaseDisconnected}
	}
	return (*s.sup).Snapshot()
}

type pairingRecorder struct {
	db  *store.DB
	log waLog.Logger
}

func (p pairingRecorder) CredentialsUpdated(ctx context.Context, jid types.JID, platform, businessName string) error {
	p.log.Infof("Paired as %s (platform: %q, business name: %q)", jid, platform, businessName)
	return p.db.SavePairing(ctx, store.Pairing{
		JID:          jid.String(),
		Platform:     platform,
		BusinessName: businessName,
	})
}

type messageRelay struct {
	submit func(ctx context.Context, m dispatch.InboundMessage)
}

func (r messageRelay) HandleMessage(ctx context.Context, msg whatsapp.IncomingMessage) {
	r.submit(ctx, dispatch.InboundMessage{
		Sender:     msg.Sender,
		Text:       msg.Text,
		FromOwner:  msg.FromOwner,
		ReceivedAt: msg.Timestamp,
	})
}

// pairGate lets the operator reject a pairing from the console.
type pairGate struct {
	waiting   atomic.Bool
	decisions chan bool
}

func (p *pairGate) prePair(log waLog.Logger) func(types.JID, string, string) bool {
	return func(jid types.JID, platform, businessName string) bool {
		p.waiting.Store(true)
		defer p.waiting.Store(false)
		log.Infof("Pairing %s (platform: %q, business name: %q). Type r within 3 seconds to reject pair", jid, platform, businessName)
		select {
		case reject := <-p.decisions:
			if reject {
				log.Infof("Rejecting pair")
				return false
			}
		case <-time.After(3 * time.Second):
		}
		log.Infof("Accepting pair")
		return true
	}
}

// decide forwards an r/a answer while a pairing is pending.
func (p *pairGate) decide(cmd string) bool {
	if !p.waiting.Load() {
		return false
	}
	switch cmd {
	case "r":
		p.send(true)
	case "a":
		p.send(false)
	}
	return true
}

func (p *pairGate) send(reject bool) {
	select {
	case p.decisions <- reject:
	case <-time.After(time.Second):
	}
}
