package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter delivers proposals to Slack channels.
type SlackAdapter struct {
	client *slack.Client
	logger *zap.Logger
}

// NewSlackAdapter creates a Slack delivery adapter.
// botToken is the Bot User OAuth Token (xoxb-...).
func NewSlackAdapter(botToken string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		client: slack.New(botToken),
		logger: logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	if _, err := a.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	return nil
}

func (a *SlackAdapter) Send(ctx context.Context, d *Delivery) error {
	_, _, err := a.client.PostMessageContext(ctx, d.Channel,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", d.Subject, d.Body), false),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", d.Channel, err)
	}
	return nil
}

func (a *SlackAdapter) Close() error { return nil }
