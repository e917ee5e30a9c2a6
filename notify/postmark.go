package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/mrz1836/postmark"
)

// PostmarkSender delivers email messages through Postmark's transactional API.
type PostmarkSender struct {
	client    *postmark.Client
	from      string
	defaultTo string
}

// NewPostmarkSender creates an email sender. defaultTo receives messages that
// carry no recipient of their own (security alerts).
func NewPostmarkSender(serverToken, from, defaultTo string) (*PostmarkSender, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrDeliveryFailed)
	}
	if from == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrDeliveryFailed)
	}
	return &PostmarkSender{
		client:    postmark.NewClient(serverToken, ""),
		from:      from,
		defaultTo: defaultTo,
	}, nil
}

// Send delivers msg as a plain text and HTML email.
func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	to := msg.To
	if to == "" {
		to = s.defaultTo
	}
	if to == "" {
		return fmt.Errorf("%w: no recipient", ErrDeliveryFailed)
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		To:       to,
		Subject:  msg.Subject,
		Tag:      msg.Tag,
		TextBody: msg.Body,
		HTMLBody: "<p>" + strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>") + "</p>",
	})
	if err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrDeliveryFailed,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}
