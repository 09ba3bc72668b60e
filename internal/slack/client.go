// Package slack is the delivery-client boundary: channel and ephemeral sends,
// channel directory lookups, and a bounded retry wrapper. Failures are
// surfaced as typed SendErrors so callers never inspect raw API errors.
package slack

import (
	"context"
	"errors"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// Sender is the capability the delivery orchestrator consumes.
type Sender interface {
	SendChannelMessage(ctx context.Context, channelID, text string) error
	SendEphemeralMessage(ctx context.Context, channelID, userID, text string) error
}

// ErrMissingToken is a configuration error: nothing can be delivered without
// a bot token, so it fails the whole invocation rather than one reminder.
var ErrMissingToken = errors.New("slack bot token is missing; set slack.bot_token or SLACK_BOT_TOKEN")

type Client struct {
	api     *slackapi.Client
	limiter *rate.Limiter
}

// NewClient builds the Web API client with a process-global rate limiter in
// front of every call.
func NewClient(token string, qps float64, burst int) (*Client, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if qps <= 0 {
		qps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		api:     slackapi.New(token),
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}, nil
}

// messageBlocks renders the message as a mrkdwn section. The plain text is
// always sent alongside so notification previews stay readable.
func messageBlocks(text string) slackapi.MsgOption {
	section := slackapi.NewSectionBlock(
		slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false),
		nil, nil,
	)
	return slackapi.MsgOptionBlocks(section)
}

func (c *Client) SendChannelMessage(ctx context.Context, channelID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := c.api.PostMessageContext(ctx, channelID,
		messageBlocks(text),
		slackapi.MsgOptionText(text, false),
	)
	if err != nil {
		return Classify(err)
	}
	return nil
}

func (c *Client) SendEphemeralMessage(ctx context.Context, channelID, userID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.api.PostEphemeralContext(ctx, channelID, userID,
		messageBlocks(text),
		slackapi.MsgOptionText(text, false),
	)
	if err != nil {
		return Classify(err)
	}
	return nil
}

// Field is a label/value pair rendered as a two-column section in a formatted
// message.
type Field struct {
	Label string
	Value string
}

// SendFormattedMessage posts a message with an optional lead paragraph and a
// fields section, used by the external-message endpoint.
func (c *Client) SendFormattedMessage(ctx context.Context, channelID, fallback, lead string, fields []Field) error {
	var blocks []slackapi.Block
	if lead != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, lead, false, false), nil, nil))
	}
	if len(fields) > 0 {
		if len(blocks) > 0 {
			blocks = append(blocks, slackapi.NewDividerBlock())
		}
		objs := make([]*slackapi.TextBlockObject, 0, len(fields))
		for _, f := range fields {
			objs = append(objs, slackapi.NewTextBlockObject(
				slackapi.MarkdownType, "*"+f.Label+":*\n"+f.Value, false, false))
		}
		blocks = append(blocks, slackapi.NewSectionBlock(nil, objs, nil))
	}
	if len(blocks) == 0 {
		return errors.New("no message content provided")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := c.api.PostMessageContext(ctx, channelID,
		slackapi.MsgOptionBlocks(blocks...),
		slackapi.MsgOptionText(fallback, false),
	)
	if err != nil {
		return Classify(err)
	}
	return nil
}

// Channel is the simplified channel shape exposed to the dashboard.
type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
}

// ListChannels pages through all non-archived public and private channels the
// bot can see.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	cursor := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		chans, next, err := c.api.GetConversationsContext(ctx, &slackapi.GetConversationsParameters{
			Limit:           200,
			Cursor:          cursor,
			Types:           []string{"public_channel", "private_channel"},
			ExcludeArchived: true,
		})
		if err != nil {
			return nil, Classify(err)
		}
		for _, ch := range chans {
			out = append(out, Channel{ID: ch.ID, Name: ch.Name, IsPrivate: ch.IsPrivate})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

// FindChannelByName resolves a channel by its display name. Returns nil when
// no channel matches.
func (c *Client) FindChannelByName(ctx context.Context, name string) (*Channel, error) {
	channels, err := c.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		if channels[i].Name == name {
			return &channels[i], nil
		}
	}
	return nil, nil
}

// ChannelMembers lists the user IDs in a channel.
func (c *Client) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	var out []string
	cursor := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		members, next, err := c.api.GetUsersInConversationContext(ctx, &slackapi.GetUsersInConversationParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     200,
		})
		if err != nil {
			return nil, Classify(err)
		}
		out = append(out, members...)
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}
