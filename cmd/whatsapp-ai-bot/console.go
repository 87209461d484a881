package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-ai-bot/internal/store"
	"whatsapp-ai-bot/internal/whatsapp"
)

type connection interface {
	Snapshot() whatsapp.Snapshot
	PairPhone(ctx context.Context, phone string) (string, error)
	Reconnect()
	Logout()
	CheckUsers(phones []string) ([]types.IsOnWhatsAppResponse, error)
}

type sessionResetter interface {
	Reset(ctx context.Context, sender string) (bool, error)
}

type applicantDirectory interface {
	AddApplicant(ctx context.Context, name, phone string) (store.Applicant, error)
}

// console reads operator commands from stdin.
type console struct {
	sup      connection
	sessions sessionResetter
	dir      applicantDirectory
	pairs    *pairGate
	out      io.Writer
	log      waLog.Logger
}

func (c *console) run(ctx context.Context, in io.Reader) {
	input := make(chan string)
	go func() {
		defer close(input)
		scan := bufio.NewScanner(in)
		for scan.Scan() {
			if line := strings.TrimSpace(scan.Text()); len(line) > 0 {
				input <- line
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-input:
			if !ok {
				c.log.Infof("Stdin closed, console stopped")
				return
			}
			if c.pairs != nil && c.pairs.decide(line) {
				continue
			}
			args := strings.Fields(line)
			go c.handle(ctx, strings.ToLower(args[0]), args[1:])
		}
	}
}

func (c *console) handle(ctx context.Context, cmd string, args []string) {
	switch cmd {
	case "pair-phone":
		if len(args) < 1 {
			c.log.Errorf("Usage: pair-phone <number>")
			return
		}
		code, err := c.sup.PairPhone(ctx, args[0])
		if err != nil {
			c.log.Errorf("Failed to pair phone: %v", err)
			return
		}
		fmt.Fprintln(c.out, "Linking code:", code)
	case "reconnect":
		c.sup.Reconnect()
	case "logout":
		c.sup.Logout()
	case "status":
		snap := c.sup.Snapshot()
		line := fmt.Sprintf("State: %s, phase: %s", snap.State, snap.Phase)
		if snap.JID != "" {
			line += ", JID: " + snap.JID
		}
		if snap.Reconnects > 0 {
			line += fmt.Sprintf(", reconnects: %d", snap.Reconnects)
		}
		if snap.State == whatsapp.Closed {
			line += fmt.Sprintf(", last close: %s (%s)", snap.LastCause, snap.LastAction)
		}
		fmt.Fprintln(c.out, line)
	case "checkuser":
		if len(args) < 1 {
			c.log.Errorf("Usage: checkuser <phone numbers...>")
			return
		}
		resp, err := c.sup.CheckUsers(args)
		if err != nil {
			c.log.Errorf("Failed to check if users are on WhatsApp: %v", err)
			return
		}
		for _, item := range resp {
			if item.VerifiedName != nil {
				c.log.Infof("%s: on whatsapp: %t, JID: %s, business name: %s", item.Query, item.IsIn, item.JID, item.VerifiedName.Details.GetVerifiedName())
			} else {
				c.log.Infof("%s: on whatsapp: %t, JID: %s", item.Query, item.IsIn, item.JID)
			}
		}
	case "reset":
		if len(args) < 1 {
			c.log.Errorf("Usage: reset <sender>")
			return
		}
		jid, err := whatsapp.ParseJID(args[0])
		if err != nil {
			c.log.Errorf("Invalid sender %q: %v", args[0], err)
			return
		}
		sender := jid.String()
		found, err := c.sessions.Reset(ctx, sender)
		if err != nil {
			c.log.Errorf("Failed to reset %s: %v", sender, err)
		} else if !found {
			c.log.Infof("No conversation state for %s", sender)
		} else {
			c.log.Infof("Conversation state of %s reset", sender)
		}
	case "add-applicant":
		if len(args) < 2 {
			c.log.Errorf("Usage: add-applicant <phone> <name...>")
			return
		}
		a, err := c.dir.AddApplicant(ctx, strings.Join(args[1:], " "), args[0])
		if err != nil {
			c.log.Errorf("Failed to add applicant: %v", err)
			return
		}
		c.log.Infof("Added applicant #%d %s (+%s)", a.ID, a.Name, a.Phone)
	default:
		c.log.Warnf("Unknown command %q", cmd)
	}
}
