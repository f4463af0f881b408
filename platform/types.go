package platform

import "time"

// ChannelType mirrors the remote platform's channel type discriminator.
type ChannelType int

const (
	ChannelTypeText         ChannelType = 0
	ChannelTypeVoice        ChannelType = 2
	ChannelTypeCategory     ChannelType = 4
	ChannelTypeAnnouncement ChannelType = 5
	ChannelTypePublicThread ChannelType = 11
	ChannelTypeStage        ChannelType = 13
	ChannelTypeForum        ChannelType = 15
)

// IsCommunity reports whether the channel type requires the guild to have
// community features enabled before it can be created.
func (t ChannelType) IsCommunity() bool {
	return t == ChannelTypeForum || t == ChannelTypeStage
}

func (t ChannelType) IsThread() bool {
	return t == ChannelTypePublicThread
}

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeText:
		return "text"
	case ChannelTypeVoice:
		return "voice"
	case ChannelTypeCategory:
		return "category"
	case ChannelTypeAnnouncement:
		return "announcement"
	case ChannelTypePublicThread:
		return "public-thread"
	case ChannelTypeStage:
		return "stage"
	case ChannelTypeForum:
		return "forum"
	default:
		return "unknown"
	}
}

// OverwriteType discriminates permission overwrite targets.
type OverwriteType int

const (
	OverwriteRole   OverwriteType = 0
	OverwriteMember OverwriteType = 1
)

// PermissionOverwrite grants/denies a permission bitfield to a role or member
// on a channel or category.
type PermissionOverwrite struct {
	ID    string        `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow uint64        `json:"allow,string"`
	Deny  uint64        `json:"deny,string"`
}

// Guild is a snapshot of guild-level settings.
type Guild struct {
	ID                      string `json:"id"`
	Name                    string `json:"name"`
	Description             string `json:"description,omitempty"`
	IconURL                 string `json:"icon_url,omitempty"`
	BannerURL               string `json:"banner_url,omitempty"`
	VerificationLevel       int    `json:"verification_level"`
	DefaultNotifications    int    `json:"default_message_notifications"`
	ExplicitContentFilter   int    `json:"explicit_content_filter"`
	PreferredLocale         string `json:"preferred_locale,omitempty"`
	PremiumProgressBar      bool   `json:"premium_progress_bar_enabled"`
	AFKChannelID            string `json:"afk_channel_id,omitempty"`
	AFKTimeout              int    `json:"afk_timeout,omitempty"`
	SystemChannelID         string `json:"system_channel_id,omitempty"`
	SystemChannelFlags      int    `json:"system_channel_flags,omitempty"`
	RulesChannelID          string `json:"rules_channel_id,omitempty"`
	PublicUpdatesChannelID  string `json:"public_updates_channel_id,omitempty"`
	SafetyAlertsChannelID   string `json:"safety_alerts_channel_id,omitempty"`
	BitrateLimit            int    `json:"bitrate_limit,omitempty"`
	EmojiLimit              int    `json:"emoji_limit,omitempty"`
	StickerLimit            int    `json:"sticker_limit,omitempty"`
	EveryoneRoleID          string `json:"everyone_role_id,omitempty"`
	CommunityFeatureEnabled bool   `json:"community,omitempty"`
}

// GuildSettings carries the mutable subset of Guild used by update calls.
// Nil pointers leave the corresponding target attribute untouched.
type GuildSettings struct {
	Name                   *string `json:"name,omitempty"`
	Description            *string `json:"description,omitempty"`
	IconURL                *string `json:"icon_url,omitempty"`
	BannerURL              *string `json:"banner_url,omitempty"`
	VerificationLevel      *int    `json:"verification_level,omitempty"`
	DefaultNotifications   *int    `json:"default_message_notifications,omitempty"`
	ExplicitContentFilter  *int    `json:"explicit_content_filter,omitempty"`
	PreferredLocale        *string `json:"preferred_locale,omitempty"`
	PremiumProgressBar     *bool   `json:"premium_progress_bar_enabled,omitempty"`
	AFKChannelID           *string `json:"afk_channel_id,omitempty"`
	AFKTimeout             *int    `json:"afk_timeout,omitempty"`
	SystemChannelID        *string `json:"system_channel_id,omitempty"`
	SystemChannelFlags     *int    `json:"system_channel_flags,omitempty"`
	RulesChannelID         *string `json:"rules_channel_id,omitempty"`
	PublicUpdatesChannelID *string `json:"public_updates_channel_id,omitempty"`
	SafetyAlertsChannelID  *string `json:"safety_alerts_channel_id,omitempty"`
	EnableCommunity        bool    `json:"-"`
}

// Role is a snapshot of a guild role.
type Role struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Color        int    `json:"color"`
	Hoist        bool   `json:"hoist"`
	Mentionable  bool   `json:"mentionable"`
	Permissions  uint64 `json:"permissions,string"`
	Position     int    `json:"position"`
	IconURL      string `json:"icon_url,omitempty"`
	UnicodeEmoji string `json:"unicode_emoji,omitempty"`
	Managed      bool   `json:"managed,omitempty"`
}

// RoleCreate carries the attributes of a role create/update call.
type RoleCreate struct {
	Name         string `json:"name"`
	Color        int    `json:"color"`
	Hoist        bool   `json:"hoist"`
	Mentionable  bool   `json:"mentionable"`
	Permissions  uint64 `json:"permissions,string"`
	IconURL      string `json:"icon_url,omitempty"`
	UnicodeEmoji string `json:"unicode_emoji,omitempty"`
}

// ForumTag is a tag available on a forum channel.
type ForumTag struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Moderated bool   `json:"moderated"`
	EmojiID   string `json:"emoji_id,omitempty"`
	EmojiName string `json:"emoji_name,omitempty"`
}

// Channel is a snapshot of a channel, category or thread.
type Channel struct {
	ID                  string                `json:"id"`
	GuildID             string                `json:"guild_id,omitempty"`
	Type                ChannelType           `json:"type"`
	Name                string                `json:"name"`
	Topic               string                `json:"topic,omitempty"`
	ParentID            string                `json:"parent_id,omitempty"`
	Position            int                   `json:"position"`
	NSFW                bool                  `json:"nsfw,omitempty"`
	RateLimitPerUser    int                   `json:"rate_limit_per_user,omitempty"`
	Bitrate             int                   `json:"bitrate,omitempty"`
	UserLimit           int                   `json:"user_limit,omitempty"`
	DefaultForumLayout  int                   `json:"default_forum_layout,omitempty"`
	DefaultSortOrder    int                   `json:"default_sort_order,omitempty"`
	AvailableTags       []ForumTag            `json:"available_tags,omitempty"`
	AppliedTags         []string              `json:"applied_tags,omitempty"`
	Overwrites          []PermissionOverwrite `json:"permission_overwrites,omitempty"`
	Archived            bool                  `json:"archived,omitempty"`
	Locked              bool                  `json:"locked,omitempty"`
	AutoArchiveDuration int                   `json:"auto_archive_duration,omitempty"`
	OwnerID             string                `json:"owner_id,omitempty"`
}

// ChannelCreate carries the attributes of a channel create call.
type ChannelCreate struct {
	Type               ChannelType           `json:"type"`
	Name               string                `json:"name"`
	Topic              string                `json:"topic,omitempty"`
	ParentID           string                `json:"parent_id,omitempty"`
	Position           int                   `json:"position"`
	NSFW               bool                  `json:"nsfw,omitempty"`
	RateLimitPerUser   int                   `json:"rate_limit_per_user,omitempty"`
	Bitrate            int                   `json:"bitrate,omitempty"`
	UserLimit          int                   `json:"user_limit,omitempty"`
	DefaultForumLayout int                   `json:"default_forum_layout,omitempty"`
	DefaultSortOrder   int                   `json:"default_sort_order,omitempty"`
	AvailableTags      []ForumTag            `json:"available_tags,omitempty"`
	Overwrites         []PermissionOverwrite `json:"permission_overwrites,omitempty"`
}

// ThreadUpdate carries the thread metadata re-applied after migration.
type ThreadUpdate struct {
	Archived            *bool `json:"archived,omitempty"`
	Locked              *bool `json:"locked,omitempty"`
	AutoArchiveDuration *int  `json:"auto_archive_duration,omitempty"`
}

// Emoji is a snapshot of a custom guild emoji.
type Emoji struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	ImageURL string   `json:"image_url,omitempty"`
	RoleIDs  []string `json:"role_ids,omitempty"`
	Animated bool     `json:"animated,omitempty"`
}

// Sticker is a snapshot of a custom guild sticker.
type Sticker struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tags        string `json:"tags,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
}

// Webhook is a channel webhook handle.
type Webhook struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Token     string `json:"token,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// User identifies a message author.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// Embed is passed through to the destination untouched; the engine never
// inspects embed internals.
type Embed struct {
	Raw []byte `json:"raw,omitempty"`
}

// StickerItem references a sticker used on a message.
type StickerItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PollAnswer is one poll option, optionally with a final vote count.
type PollAnswer struct {
	Emoji string `json:"emoji,omitempty"`
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

// Poll is a message poll; relayed as flattened text since webhooks cannot
// carry polls.
type Poll struct {
	Question string       `json:"question"`
	Answers  []PollAnswer `json:"answers"`
	Finished bool         `json:"finished"`
}

// MessageType mirrors the platform's message type discriminator for the
// values the engine cares about.
type MessageType int

const (
	MessageTypeDefault       MessageType = 0
	MessageTypeReply         MessageType = 19
	MessageTypeThreadStarter MessageType = 21
	MessageTypeSystem        MessageType = 100
)

// Message is a snapshot of a channel message.
type Message struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	Type        MessageType   `json:"type"`
	Author      User          `json:"author"`
	Content     string        `json:"content"`
	Timestamp   time.Time     `json:"timestamp"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Embeds      []Embed       `json:"embeds,omitempty"`
	Stickers    []StickerItem `json:"stickers,omitempty"`
	Poll        *Poll         `json:"poll,omitempty"`
	Reactions   int           `json:"reactions,omitempty"`

	// Referenced is the message this one replies to, when resolvable.
	Referenced *Message `json:"referenced,omitempty"`
	// ThreadID is set when this message started a thread.
	ThreadID string `json:"thread_id,omitempty"`
	JumpURL  string `json:"jump_url,omitempty"`
}

// Empty reports whether the message carries nothing worth relaying.
func (m *Message) Empty() bool {
	return m.Content == "" && len(m.Embeds) == 0 && m.Poll == nil &&
		m.Reactions == 0 && len(m.Stickers) == 0 && len(m.Attachments) == 0
}

// WebhookMessage is the payload of a relay (impersonation) send.
type WebhookMessage struct {
	Content   string  `json:"content"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
	// ThreadID targets an existing thread or forum post.
	ThreadID string `json:"thread_id,omitempty"`
	// ThreadName creates a new forum post to hold the message.
	ThreadName string `json:"thread_name,omitempty"`
	// AppliedTags tags a newly created forum post.
	AppliedTags []string `json:"applied_tags,omitempty"`
	// ReplyTo chains continuation chunks of an oversized message.
	ReplyTo string `json:"reply_to,omitempty"`
}
