// Package notify delivers security messages to external channels: email,
// Slack, Discord and generic webhooks.
//
// Delivery goes through a Dispatcher, a bounded queue drained by a fixed set
// of workers, so a slow or failing channel never blocks the caller. Failures
// are logged and dropped; callers never see them.
//
//	d := notify.NewDispatcher(logger, notify.WithWorkers(4))
//	d.Register(notify.ChannelSlack, notify.NewSlackSender(slackURL, nil))
//	d.Start()
//	defer d.Close()
//
//	d.Enqueue(notify.Message{Channel: notify.ChannelSlack, Subject: "alert", Body: "..."})
package notify

import (
	"context"
	"errors"
	"time"
)

// Channel names an outbound delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
	ChannelWebhook Channel = "webhook"
)

var (
	// ErrNoSender is returned when no sender is registered for a channel.
	ErrNoSender = errors.New("notify: no sender registered for channel")

	// ErrQueueFull is returned when the dispatch queue cannot take more messages.
	ErrQueueFull = errors.New("notify: queue full")

	// ErrClosed is returned when enqueueing on a closed dispatcher.
	ErrClosed = errors.New("notify: dispatcher closed")

	// ErrDeliveryFailed wraps a failed delivery attempt.
	ErrDeliveryFailed = errors.New("notify: delivery failed")
)

// Message is a rendered notification plus its structured context.
type Message struct {
	Channel   Channel        `json:"channel"`
	To        string         `json:"to,omitempty"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Severity  string         `json:"severity,omitempty"`
	Tag       string         `json:"tag,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sender delivers a message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f(ctx, msg).
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
