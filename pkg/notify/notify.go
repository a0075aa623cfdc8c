// Package notify delivers block notifications to a chat webhook without
// holding up the DNS response path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueueFull is returned when the async queue has no room.
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned after the notifier has been closed.
	ErrClosed = errors.New("notifier closed")
)

// Notifier sends a text notification.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// MetricsRecorder counts notification outcomes: "sent", "failed" or "dropped".
type MetricsRecorder interface {
	AddNotification(ctx context.Context, outcome string)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string) error { return nil }

// Kind is the block path that produced an event.
type Kind string

const (
	KindAds      Kind = "ads"
	KindPhishing Kind = "phishing"
	KindRisk     Kind = "risk"
)

// Event describes one blocked query.
type Event struct {
	Kind       Kind
	Domain     string
	Client     string
	ClientName string
	Host       string
	Score      float64
	Reasons    []string
}

// Text renders the event as a chat message.
func (e Event) Text() string {
	var b strings.Builder

	switch e.Kind {
	case KindAds:
		fmt.Fprintf(&b, "**Ad domain BLOCKED**: `%s`", e.Domain)
	case KindRisk:
		fmt.Fprintf(&b, "**Phishing risk detected and BLOCKED**: `%s` (score: %g)", e.Domain, e.Score)
	default:
		fmt.Fprintf(&b, "**Phishing attempt BLOCKED**: `%s`", e.Domain)
	}

	client := e.Client
	if e.ClientName != "" {
		client = fmt.Sprintf("%s (%s)", e.Client, e.ClientName)
	}
	fmt.Fprintf(&b, "\nIP: `%s`", client)
	if e.Host != "" {
		fmt.Fprintf(&b, "\nHost: `%s`", e.Host)
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, "\nReasons: %s", strings.Join(e.Reasons, ", "))
	}
	return b.String()
}
