package resthttp

import (
	"context"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"github.com/dyadlabs/replica/platform"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func marshalJSON(v any) ([]byte, error) { return json.Marshal(v) }

// premium tier caps, indexed by tier
var (
	bitrateLimits = []int{96000, 128000, 256000, 384000}
	emojiLimits   = []int{50, 100, 150, 250}
	stickerLimits = []int{5, 15, 30, 60}
)

func tierLimit(limits []int, tier int) int {
	if tier < 0 || tier >= len(limits) {
		tier = 0
	}
	return limits[tier]
}

func parseGuild(item gjson.Result, cdnURL string) platform.Guild {
	id := item.Get("id").String()
	tier := int(item.Get("premium_tier").Int())
	guild := platform.Guild{
		ID:                     id,
		Name:                   item.Get("name").String(),
		Description:            item.Get("description").String(),
		VerificationLevel:      int(item.Get("verification_level").Int()),
		DefaultNotifications:   int(item.Get("default_message_notifications").Int()),
		ExplicitContentFilter:  int(item.Get("explicit_content_filter").Int()),
		PreferredLocale:        item.Get("preferred_locale").String(),
		PremiumProgressBar:     item.Get("premium_progress_bar_enabled").Bool(),
		AFKChannelID:           item.Get("afk_channel_id").String(),
		AFKTimeout:             int(item.Get("afk_timeout").Int()),
		SystemChannelID:        item.Get("system_channel_id").String(),
		SystemChannelFlags:     int(item.Get("system_channel_flags").Int()),
		RulesChannelID:         item.Get("rules_channel_id").String(),
		PublicUpdatesChannelID: item.Get("public_updates_channel_id").String(),
		SafetyAlertsChannelID:  item.Get("safety_alerts_channel_id").String(),
		BitrateLimit:           tierLimit(bitrateLimits, tier),
		EmojiLimit:             tierLimit(emojiLimits, tier),
		StickerLimit:           tierLimit(stickerLimits, tier),
		// the default role always shares the guild's ID
		EveryoneRoleID: id,
	}
	if hash := item.Get("icon").String(); hash != "" {
		guild.IconURL = cdnURL + "/icons/" + id + "/" + hash + ".png"
	}
	if hash := item.Get("banner").String(); hash != "" {
		guild.BannerURL = cdnURL + "/banners/" + id + "/" + hash + ".png"
	}
	item.Get("features").ForEach(func(_, feature gjson.Result) bool {
		if feature.String() == "COMMUNITY" {
			guild.CommunityFeatureEnabled = true
			return false
		}
		return true
	})
	return guild
}

func parseRole(item gjson.Result, cdnURL string) platform.Role {
	id := item.Get("id").String()
	role := platform.Role{
		ID:           id,
		Name:         item.Get("name").String(),
		Color:        int(item.Get("color").Int()),
		Hoist:        item.Get("hoist").Bool(),
		Mentionable:  item.Get("mentionable").Bool(),
		Permissions:  item.Get("permissions").Uint(),
		Position:     int(item.Get("position").Int()),
		UnicodeEmoji: item.Get("unicode_emoji").String(),
		Managed:      item.Get("managed").Bool(),
	}
	if hash := item.Get("icon").String(); hash != "" {
		role.IconURL = cdnURL + "/role-icons/" + id + "/" + hash + ".png"
	}
	return role
}

func parseEmoji(item gjson.Result, cdnURL string) platform.Emoji {
	id := item.Get("id").String()
	emoji := platform.Emoji{
		ID:       id,
		Name:     item.Get("name").String(),
		Animated: item.Get("animated").Bool(),
	}
	ext := ".png"
	if emoji.Animated {
		ext = ".gif"
	}
	emoji.ImageURL = cdnURL + "/emojis/" + id + ext
	item.Get("roles").ForEach(func(_, role gjson.Result) bool {
		emoji.RoleIDs = append(emoji.RoleIDs, role.String())
		return true
	})
	return emoji
}

func parseSticker(item gjson.Result, cdnURL string) platform.Sticker {
	id := item.Get("id").String()
	return platform.Sticker{
		ID:          id,
		Name:        item.Get("name").String(),
		Description: item.Get("description").String(),
		Tags:        item.Get("tags").String(),
		FileURL:     cdnURL + "/stickers/" + id + ".png",
	}
}

func parseOverwrites(item gjson.Result) []platform.PermissionOverwrite {
	var overwrites []platform.PermissionOverwrite
	item.ForEach(func(_, ow gjson.Result) bool {
		overwrites = append(overwrites, platform.PermissionOverwrite{
			ID:    ow.Get("id").String(),
			Type:  platform.OverwriteType(ow.Get("type").Int()),
			Allow: ow.Get("allow").Uint(),
			Deny:  ow.Get("deny").Uint(),
		})
		return true
	})
	return overwrites
}

func parseChannel(item gjson.Result) platform.Channel {
	channel := platform.Channel{
		ID:                 item.Get("id").String(),
		GuildID:            item.Get("guild_id").String(),
		Type:               platform.ChannelType(item.Get("type").Int()),
		Name:               item.Get("name").String(),
		Topic:              item.Get("topic").String(),
		ParentID:           item.Get("parent_id").String(),
		Position:           int(item.Get("position").Int()),
		NSFW:               item.Get("nsfw").Bool(),
		RateLimitPerUser:   int(item.Get("rate_limit_per_user").Int()),
		Bitrate:            int(item.Get("bitrate").Int()),
		UserLimit:          int(item.Get("user_limit").Int()),
		DefaultForumLayout: int(item.Get("default_forum_layout").Int()),
		DefaultSortOrder:   int(item.Get("default_sort_order").Int()),
		Overwrites:         parseOverwrites(item.Get("permission_overwrites")),
		OwnerID:            item.Get("owner_id").String(),
	}
	item.Get("available_tags").ForEach(func(_, tag gjson.Result) bool {
		channel.AvailableTags = append(channel.AvailableTags, platform.ForumTag{
			ID:        tag.Get("id").String(),
			Name:      tag.Get("name").String(),
			Moderated: tag.Get("moderated").Bool(),
			EmojiID:   tag.Get("emoji_id").String(),
			EmojiName: tag.Get("emoji_name").String(),
		})
		return true
	})
	item.Get("applied_tags").ForEach(func(_, tag gjson.Result) bool {
		channel.AppliedTags = append(channel.AppliedTags, tag.String())
		return true
	})
	if meta := item.Get("thread_metadata"); meta.Exists() {
		channel.Archived = meta.Get("archived").Bool()
		channel.Locked = meta.Get("locked").Bool()
		channel.AutoArchiveDuration = int(meta.Get("auto_archive_duration").Int())
	}
	return channel
}

func parseThreadList(item gjson.Result) []platform.Channel {
	var threads []platform.Channel
	item.ForEach(func(_, th gjson.Result) bool {
		threads = append(threads, parseChannel(th))
		return true
	})
	return threads
}

func parseUser(item gjson.Result, cdnURL string) platform.User {
	id := item.Get("id").String()
	user := platform.User{ID: id}
	user.DisplayName = item.Get("global_name").String()
	if user.DisplayName == "" {
		user.DisplayName = item.Get("username").String()
	}
	if hash := item.Get("avatar").String(); hash != "" {
		user.AvatarURL = cdnURL + "/avatars/" + id + "/" + hash + ".png"
	}
	return user
}

func parseMessage(item gjson.Result, cdnURL string) platform.Message {
	msg := platform.Message{
		ID:        item.Get("id").String(),
		ChannelID: item.Get("channel_id").String(),
		Type:      platform.MessageType(item.Get("type").Int()),
		Author:    parseUser(item.Get("author"), cdnURL),
		Content:   item.Get("content").String(),
		ThreadID:  item.Get("thread.id").String(),
	}
	if ts, err := time.Parse(time.RFC3339, item.Get("timestamp").String()); err == nil {
		msg.Timestamp = ts
	}
	item.Get("attachments").ForEach(func(_, att gjson.Result) bool {
		msg.Attachments = append(msg.Attachments, platform.Attachment{
			URL:      att.Get("url").String(),
			Filename: att.Get("filename").String(),
		})
		return true
	})
	// embeds pass through untouched
	item.Get("embeds").ForEach(func(_, embed gjson.Result) bool {
		msg.Embeds = append(msg.Embeds, platform.Embed{Raw: []byte(embed.Raw)})
		return true
	})
	item.Get("sticker_items").ForEach(func(_, st gjson.Result) bool {
		msg.Stickers = append(msg.Stickers, platform.StickerItem{
			ID:   st.Get("id").String(),
			Name: st.Get("name").String(),
		})
		return true
	})
	item.Get("reactions").ForEach(func(_, reaction gjson.Result) bool {
		msg.Reactions += int(reaction.Get("count").Int())
		return true
	})
	if poll := item.Get("poll"); poll.Exists() {
		msg.Poll = parsePoll(poll)
	}
	if ref := item.Get("referenced_message"); ref.Exists() && ref.Type != gjson.Null {
		referenced := parseMessage(ref, cdnURL)
		msg.Referenced = &referenced
	}
	return msg
}

func parsePoll(item gjson.Result) *platform.Poll {
	poll := &platform.Poll{
		Question: item.Get("question.text").String(),
		Finished: item.Get("results.is_finalized").Bool(),
	}
	counts := map[int64]int{}
	item.Get("results.answer_counts").ForEach(func(_, ac gjson.Result) bool {
		counts[ac.Get("id").Int()] = int(ac.Get("count").Int())
		return true
	})
	item.Get("answers").ForEach(func(_, answer gjson.Result) bool {
		poll.Answers = append(poll.Answers, platform.PollAnswer{
			Emoji: answer.Get("poll_media.emoji.name").String(),
			Text:  answer.Get("poll_media.text").String(),
			Count: counts[answer.Get("answer_id").Int()],
		})
		return true
	})
	return poll
}

func parseWebhook(item gjson.Result, cdnURL string) platform.Webhook {
	wh := platform.Webhook{
		ID:        item.Get("id").String(),
		ChannelID: item.Get("channel_id").String(),
		Name:      item.Get("name").String(),
		Token:     item.Get("token").String(),
	}
	if hash := item.Get("avatar").String(); hash != "" {
		wh.AvatarURL = cdnURL + "/avatars/" + wh.ID + "/" + hash + ".png"
	}
	return wh
}

// buildGuildPatch converts settings into the wire shape, downloading icon
// and banner images into inline data URIs.
func (c *Client) buildGuildPatch(ctx context.Context, settings platform.GuildSettings) ([]byte, error) {
	patch := map[string]any{}
	setString := func(key string, v *string) {
		if v != nil {
			patch[key] = *v
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			patch[key] = *v
		}
	}
	setString("name", settings.Name)
	setString("description", settings.Description)
	setString("preferred_locale", settings.PreferredLocale)
	setString("afk_channel_id", settings.AFKChannelID)
	setString("system_channel_id", settings.SystemChannelID)
	setString("rules_channel_id", settings.RulesChannelID)
	setString("public_updates_channel_id", settings.PublicUpdatesChannelID)
	setString("safety_alerts_channel_id", settings.SafetyAlertsChannelID)
	setInt("verification_level", settings.VerificationLevel)
	setInt("default_message_notifications", settings.DefaultNotifications)
	setInt("explicit_content_filter", settings.ExplicitContentFilter)
	setInt("afk_timeout", settings.AFKTimeout)
	setInt("system_channel_flags", settings.SystemChannelFlags)
	if settings.PremiumProgressBar != nil {
		patch["premium_progress_bar_enabled"] = *settings.PremiumProgressBar
	}
	if settings.IconURL != nil {
		icon, err := c.fetchAsset(ctx, *settings.IconURL)
		if err != nil {
			return nil, err
		}
		patch["icon"] = icon
	}
	if settings.BannerURL != nil {
		banner, err := c.fetchAsset(ctx, *settings.BannerURL)
		if err != nil {
			return nil, err
		}
		patch["banner"] = banner
	}
	if settings.EnableCommunity {
		patch["features"] = []string{"COMMUNITY"}
	}
	return marshalJSON(patch)
}

// buildRolePayload converts role attributes into the wire shape; the icon,
// when present, is inlined as a data URI.
func (c *Client) buildRolePayload(ctx context.Context, attrs platform.RoleCreate) ([]byte, error) {
	payload := map[string]any{
		"name":        attrs.Name,
		"color":       attrs.Color,
		"hoist":       attrs.Hoist,
		"mentionable": attrs.Mentionable,
		"permissions": strconv.FormatUint(attrs.Permissions, 10),
	}
	if attrs.UnicodeEmoji != "" {
		payload["unicode_emoji"] = attrs.UnicodeEmoji
	}
	if attrs.IconURL != "" {
		icon, err := c.fetchAsset(ctx, attrs.IconURL)
		if err != nil {
			return nil, err
		}
		payload["icon"] = icon
	}
	return marshalJSON(payload)
}

// buildWebhookPayload converts a relay send into the wire shape. ReplyTo is
// not sent: webhook sends cannot reference other messages, ordering alone
// keeps chunks together.
func buildWebhookPayload(msg platform.WebhookMessage) ([]byte, error) {
	payload := map[string]any{
		"content": msg.Content,
	}
	if msg.Username != "" {
		payload["username"] = msg.Username
	}
	if msg.AvatarURL != "" {
		payload["avatar_url"] = msg.AvatarURL
	}
	if msg.ThreadName != "" {
		payload["thread_name"] = msg.ThreadName
	}
	if len(msg.AppliedTags) > 0 {
		payload["applied_tags"] = msg.AppliedTags
	}
	if len(msg.Embeds) > 0 {
		embeds := make([]jsoniter.RawMessage, 0, len(msg.Embeds))
		for _, embed := range msg.Embeds {
			embeds = append(embeds, jsoniter.RawMessage(embed.Raw))
		}
		payload["embeds"] = embeds
	}
	return marshalJSON(payload)
}
