package platform

import "context"

// Client is the remote platform surface the replication engine consumes.
// Implementations classify failures into RateLimitedError, TransientError or
// PermanentError; any other error is treated as permanent by callers.
type Client interface {
	GuildClient
	ChannelClient
	MessageClient
	WebhookClient
}

// GuildClient covers guild-level entities.
type GuildClient interface {
	Guild(ctx context.Context, guildID string) (*Guild, error)
	UpdateGuild(ctx context.Context, guildID string, settings GuildSettings) error

	Roles(ctx context.Context, guildID string) ([]Role, error)
	CreateRole(ctx context.Context, guildID string, attrs RoleCreate) (*Role, error)
	UpdateRole(ctx context.Context, guildID, roleID string, attrs RoleCreate) (*Role, error)

	Emojis(ctx context.Context, guildID string) ([]Emoji, error)
	CreateEmoji(ctx context.Context, guildID string, attrs Emoji) (*Emoji, error)

	Stickers(ctx context.Context, guildID string) ([]Sticker, error)
	CreateSticker(ctx context.Context, guildID string, attrs Sticker) (*Sticker, error)
}

// ChannelClient covers channels, categories and threads.
type ChannelClient interface {
	Channels(ctx context.Context, guildID string) ([]Channel, error)
	Channel(ctx context.Context, channelID string) (*Channel, error)
	CreateChannel(ctx context.Context, guildID string, attrs ChannelCreate) (*Channel, error)

	// CreateThread starts a thread hanging off an existing channel message.
	CreateThread(ctx context.Context, channelID, messageID, name string) (*Channel, error)
	UpdateThread(ctx context.Context, threadID string, attrs ThreadUpdate) error

	// Threads lists a channel's threads, oldest first. With archived=true it
	// lists archived threads/posts instead of active ones.
	Threads(ctx context.Context, channelID string, archived bool) ([]Channel, error)
}

// MessageClient fetches channel history.
type MessageClient interface {
	// Messages returns up to limit messages strictly after afterID, in
	// chronological order. afterID "" starts from the beginning.
	Messages(ctx context.Context, channelID, afterID string, limit int) ([]Message, error)
}

// WebhookClient covers relay webhooks.
type WebhookClient interface {
	Webhooks(ctx context.Context, channelID string) ([]Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error

	// ExecuteWebhook posts msg through the webhook and returns the created
	// message. When msg.ThreadName is set the returned message's ChannelID is
	// the newly created thread/post.
	ExecuteWebhook(ctx context.Context, webhook Webhook, msg WebhookMessage) (*Message, error)
}
