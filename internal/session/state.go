// Package session keeps the per-sender conversation state: the opt-in gate
// and a short rolling message history.
package session

import (
	"fmt"
	"time"
)

// HistoryLimit is the number of messages kept per sender.
const HistoryLimit = 5

// OptInStatus is where a sender stands in the AI consent flow.
type OptInStatus int

const (
	Unset OptInStatus = iota
	AwaitingConsent
	Enabled
	Muted
)

var statusNames = []string{"unset", "awaiting_consent", "enabled", "muted"}

func (s OptInStatus) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("OptInStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParseOptInStatus is the inverse of OptInStatus.String.
func ParseOptInStatus(s string) (OptInStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return OptInStatus(i), nil
		}
	}
	return Unset, fmt.Errorf("unknown opt-in status %q", s)
}

// SenderState is everything remembered about one conversation partner.
type SenderState struct {
	Identifier string
	OptIn      OptInStatus
	// MuteUntil only means something while OptIn is Muted.
	MuteUntil time.Time
	// History holds the sender's previous message texts, newest last.
	History   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppendHistory adds text as the newest entry, evicting the oldest entries
// once HistoryLimit is exceeded.
func (s *SenderState) AppendHistory(text string) {
	s.History = append(s.History, text)
	if over := len(s.History) - HistoryLimit; over > 0 {
		s.History = append([]string(nil), s.History[over:]...)
	}
}

// MutedAt reports whether the sender is still muted at now.
func (s SenderState) MutedAt(now time.Time) bool {
	return s.OptIn == Muted && s.MuteUntil.After(now)
}

// Clone returns a copy that shares no memory with s.
func (s SenderState) Clone() SenderState {
	c := s
	if s.History != nil {
		c.History = append([]string(nil), s.History...)
	}
	return c
}
