// Package notify carries operator-facing notifications: short messages and a
// one-line status text.
package notify

import (
	"sync"
	"time"

	"github.com/fieldops/uplink/internal/log"
)

// MaxStatusLen is the maximum status text length in runes.
const MaxStatusLen = 64

// Sink receives operator notifications.
type Sink interface {
	// Notify shows msg for roughly d.
	Notify(msg string, d time.Duration)
	// SetStatus replaces the status text. Longer texts are truncated.
	SetStatus(text string)
}

// Notification is one recorded message.
type Notification struct {
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

// Board keeps the status text and the most recent notifications so they can
// be served to an operator. It also writes every notification to the log.
type Board struct {
	mu     sync.Mutex
	status string
	recent []Notification
	limit  int
	now    func() time.Time
}

// NewBoard returns a board remembering up to limit notifications.
func NewBoard(limit int) *Board {
	if limit <= 0 {
		limit = 1
	}
	return &Board{limit: limit, now: time.Now}
}

// Notify records msg.
func (b *Board) Notify(msg string, d time.Duration) {
	log.Info().Str("notification", msg).Dur("duration", d).Msg("Operator notification")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append(b.recent, Notification{Message: msg, Duration: d, Time: b.now()})
	if len(b.recent) > b.limit {
		b.recent = append(b.recent[:0], b.recent[len(b.recent)-b.limit:]...)
	}
}

// SetStatus replaces the status text, truncated to MaxStatusLen runes.
func (b *Board) SetStatus(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = Truncate(text)
}

// Status returns the current status text.
func (b *Board) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Recent returns the remembered notifications, oldest first.
func (b *Board) Recent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.recent))
	copy(out, b.recent)
	return out
}

// Truncate shortens text to at most MaxStatusLen runes.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxStatusLen {
		return text
	}
	return string(runes[:MaxStatusLen])
}
