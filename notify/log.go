package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes messages to a logger instead of delivering them.
// Useful in development or for channels that are not configured.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a sender that logs each message at info level.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs msg.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info().
		Str("channel", string(msg.Channel)).
		Str("to", msg.To).
		Str("severity", msg.Severity).
		Str("subject", msg.Subject).
		Fields(msg.Fields).
		Msg(msg.Body)
	return nil
}
