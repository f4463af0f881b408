package replicator

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dyadlabs/replica/executor"
	"github.com/dyadlabs/replica/identity"
	"github.com/dyadlabs/replica/platform"
	"github.com/dyadlabs/replica/state"
)

// fetch runs a read-only remote call through the default pool so listing
// traffic is subject to the same rate limiting as mutations.
func fetch[T any](ctx context.Context, exec *executor.Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := exec.Submit(ctx, executor.PoolDefault, 0, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Replicator) replicateSettings(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	src, err := fetch(ctx, r.exec, func(ctx context.Context) (*platform.Guild, error) {
		return r.client.Guild(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.failure(kindGuild, cfg.SourceGuildID, "", err)
		return nil
	}

	ids := r.store.Identity()
	settings := platform.GuildSettings{
		Name:                  &src.Name,
		Description:           &src.Description,
		VerificationLevel:     &src.VerificationLevel,
		DefaultNotifications:  &src.DefaultNotifications,
		ExplicitContentFilter: &src.ExplicitContentFilter,
		PreferredLocale:       &src.PreferredLocale,
		PremiumProgressBar:    &src.PremiumProgressBar,
		EnableCommunity:       true,
	}
	if src.IconURL != "" {
		settings.IconURL = &src.IconURL
	}
	if src.BannerURL != "" {
		settings.BannerURL = &src.BannerURL
	}
	if src.AFKTimeout > 0 {
		settings.AFKTimeout = &src.AFKTimeout
	}
	if src.SystemChannelFlags != 0 {
		settings.SystemChannelFlags = &src.SystemChannelFlags
	}
	// channel references only carry over once the channel stage has mapped them
	remap := func(sourceChannelID string) *string {
		if sourceChannelID == "" {
			return nil
		}
		if targetID, ok := ids.Resolve(identity.Channel, sourceChannelID); ok {
			return &targetID
		}
		return nil
	}
	settings.AFKChannelID = remap(src.AFKChannelID)
	settings.SystemChannelID = remap(src.SystemChannelID)
	settings.RulesChannelID = remap(src.RulesChannelID)
	settings.PublicUpdatesChannelID = remap(src.PublicUpdatesChannelID)
	settings.SafetyAlertsChannelID = remap(src.SafetyAlertsChannelID)

	return r.runTask(ctx, b, executor.PoolChannel, kindGuild, src.ID, src.Name,
		func(ctx context.Context) (string, error) {
			if err := r.client.UpdateGuild(ctx, cfg.TargetGuildID, settings); err != nil {
				return "", err
			}
			return cfg.TargetGuildID, nil
		})
}

func (r *Replicator) replicateRoles(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	srcGuild, err := fetch(ctx, r.exec, func(ctx context.Context) (*platform.Guild, error) {
		return r.client.Guild(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source guild: %w", err)
	}
	tgtGuild, err := fetch(ctx, r.exec, func(ctx context.Context) (*platform.Guild, error) {
		return r.client.Guild(ctx, cfg.TargetGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching target guild: %w", err)
	}
	roles, err := fetch(ctx, r.exec, func(ctx context.Context) ([]platform.Role, error) {
		return r.client.Roles(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source roles: %w", err)
	}

	// highest role first, so hierarchy-relative permission semantics carry over
	sort.Slice(roles, func(i, j int) bool { return roles[i].Position > roles[j].Position })

	ids := r.store.Identity()
	for _, role := range roles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if role.Managed {
			continue // integration-owned, cannot be created directly
		}
		if targetID, ok := ids.Resolve(identity.Role, role.ID); ok {
			b.success(identity.Role, role.ID, targetID, role.Name)
			continue
		}
		role := role
		attrs := platform.RoleCreate{
			Name:         role.Name,
			Color:        role.Color,
			Hoist:        role.Hoist,
			Mentionable:  role.Mentionable,
			Permissions:  role.Permissions,
			IconURL:      role.IconURL,
			UnicodeEmoji: role.UnicodeEmoji,
		}
		create := func(ctx context.Context) (string, error) {
			if role.ID == srcGuild.EveryoneRoleID && tgtGuild.EveryoneRoleID != "" {
				// the default role always exists; edit it in place
				updated, err := r.client.UpdateRole(ctx, cfg.TargetGuildID, tgtGuild.EveryoneRoleID, attrs)
				if err != nil {
					return "", err
				}
				return updated.ID, nil
			}
			created, err := r.client.CreateRole(ctx, cfg.TargetGuildID, attrs)
			if err != nil {
				return "", err
			}
			return created.ID, nil
		}
		// sequential on purpose: creation order is the hierarchy order
		if err := r.runTask(ctx, b, executor.PoolMember, identity.Role, role.ID, role.Name, create); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) replicateCategories(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	channels, err := fetch(ctx, r.exec, func(ctx context.Context) ([]platform.Channel, error) {
		return r.client.Channels(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source channels: %w", err)
	}
	categories := lo.Filter(channels, func(ch platform.Channel, _ int) bool {
		return ch.Type == platform.ChannelTypeCategory
	})
	sort.Slice(categories, func(i, j int) bool { return categories[i].Position < categories[j].Position })

	ids := r.store.Identity()
	for _, category := range categories {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if targetID, ok := ids.Resolve(identity.Category, category.ID); ok {
			b.success(identity.Category, category.ID, targetID, category.Name)
			continue
		}
		overwrites, err := translateOverwrites(ids, category.Overwrites)
		if err != nil {
			b.failure(identity.Category, category.ID, category.Name, err)
			continue
		}
		category := category
		attrs := platform.ChannelCreate{
			Type:       platform.ChannelTypeCategory,
			Name:       category.Name,
			Position:   category.Position,
			Overwrites: overwrites,
		}
		err = r.runTask(ctx, b, executor.PoolChannel, identity.Category, category.ID, category.Name,
			func(ctx context.Context) (string, error) {
				created, err := r.client.CreateChannel(ctx, cfg.TargetGuildID, attrs)
				if err != nil {
					return "", err
				}
				return created.ID, nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) replicateChannels(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	tgtGuild, err := fetch(ctx, r.exec, func(ctx context.Context) (*platform.Guild, error) {
		return r.client.Guild(ctx, cfg.TargetGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching target guild: %w", err)
	}
	channels, err := fetch(ctx, r.exec, func(ctx context.Context) ([]platform.Channel, error) {
		return r.client.Channels(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source channels: %w", err)
	}
	channels = lo.Filter(channels, func(ch platform.Channel, _ int) bool {
		return ch.Type != platform.ChannelTypeCategory && !ch.Type.IsThread()
	})
	sort.Slice(channels, func(i, j int) bool { return channels[i].Position < channels[j].Position })

	ids := r.store.Identity()
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		if targetID, ok := ids.Resolve(identity.Channel, ch.ID); ok {
			b.success(identity.Channel, ch.ID, targetID, ch.Name)
			continue
		}
		ch := ch
		// channels do not depend on each other, only on roles and categories
		g.Go(func() error {
			attrs, err := r.channelCreateAttrs(ids, tgtGuild, ch)
			if err != nil {
				b.failure(identity.Channel, ch.ID, ch.Name, err)
				return nil
			}
			return r.runTask(gctx, b, executor.PoolChannel, identity.Channel, ch.ID, ch.Name,
				func(ctx context.Context) (string, error) {
					created, err := r.client.CreateChannel(ctx, cfg.TargetGuildID, attrs)
					if err != nil {
						return "", err
					}
					if err := r.recordForumTags(ch, created); err != nil {
						return "", err
					}
					return created.ID, nil
				})
		})
	}
	return g.Wait()
}

// channelCreateAttrs translates a source channel snapshot into target-side
// creation attributes, resolving its category and role overwrites.
func (r *Replicator) channelCreateAttrs(ids *identity.Map, tgtGuild *platform.Guild, ch platform.Channel) (platform.ChannelCreate, error) {
	overwrites, err := translateOverwrites(ids, ch.Overwrites)
	if err != nil {
		return platform.ChannelCreate{}, err
	}
	attrs := platform.ChannelCreate{
		Type:               ch.Type,
		Name:               ch.Name,
		Topic:              ch.Topic,
		Position:           ch.Position,
		NSFW:               ch.NSFW,
		RateLimitPerUser:   ch.RateLimitPerUser,
		Bitrate:            ch.Bitrate,
		UserLimit:          ch.UserLimit,
		DefaultForumLayout: ch.DefaultForumLayout,
		DefaultSortOrder:   ch.DefaultSortOrder,
		Overwrites:         overwrites,
	}
	if ch.ParentID != "" {
		parentID, err := ids.MustResolve(identity.Category, ch.ParentID)
		if err != nil {
			return platform.ChannelCreate{}, err
		}
		attrs.ParentID = parentID
	}
	if attrs.Bitrate > 0 && tgtGuild.BitrateLimit > 0 && attrs.Bitrate > tgtGuild.BitrateLimit {
		attrs.Bitrate = tgtGuild.BitrateLimit
	}
	if ch.Type == platform.ChannelTypeForum {
		attrs.AvailableTags = translateForumTags(ids, ch.AvailableTags)
	}
	return attrs, nil
}

// recordForumTags maps source forum tag IDs to the tags the target assigned,
// matching by name, so forum-post migration can re-apply them.
func (r *Replicator) recordForumTags(src platform.Channel, created *platform.Channel) error {
	if src.Type != platform.ChannelTypeForum {
		return nil
	}
	byName := lo.SliceToMap(created.AvailableTags, func(tag platform.ForumTag) (string, string) {
		return tag.Name, tag.ID
	})
	for _, tag := range src.AvailableTags {
		targetTagID, ok := byName[tag.Name]
		if !ok {
			continue
		}
		if err := r.store.RecordIdentity(identity.Tag, tag.ID, targetTagID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) replicateEmojis(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	tgtGuild, err := fetch(ctx, r.exec, func(ctx context.Context) (*platform.Guild, error) {
		return r.client.Guild(ctx, cfg.TargetGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching target guild: %w", err)
	}
	emojis, err := fetch(ctx, r.exec, func(ctx context.Context) ([]platform.Emoji, error) {
		return r.client.Emojis(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source emojis: %w", err)
	}

	ids := r.store.Identity()
	capacity := len(emojis)
	if tgtGuild.EmojiLimit > 0 {
		capacity = tgtGuild.EmojiLimit - ids.Len(identity.Emoji)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, emoji := range emojis {
		if targetID, ok := ids.Resolve(identity.Emoji, emoji.ID); ok {
			b.success(identity.Emoji, emoji.ID, targetID, emoji.Name)
			continue
		}
		if capacity <= 0 {
			b.failure(identity.Emoji, emoji.ID, emoji.Name,
				fmt.Errorf("target guild emoji limit (%d) reached", tgtGuild.EmojiLimit))
			continue
		}
		capacity--
		emoji := emoji
		g.Go(func() error {
			attrs := emoji
			attrs.RoleIDs = lo.FilterMap(emoji.RoleIDs, func(roleID string, _ int) (string, bool) {
				return ids.Resolve(identity.Role, roleID)
			})
			return r.runTask(gctx, b, executor.PoolDefault, identity.Emoji, emoji.ID, emoji.Name,
				func(ctx context.Context) (string, error) {
					created, err := r.client.CreateEmoji(ctx, cfg.TargetGuildID, attrs)
					if err != nil {
						return "", err
					}
					return created.ID, nil
				})
		})
	}
	return g.Wait()
}

func (r *Replicator) replicateStickers(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	tgtGuild, err := fetch(ctx, r.exec, func(ctx context.Context) (*platform.Guild, error) {
		return r.client.Guild(ctx, cfg.TargetGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching target guild: %w", err)
	}
	stickers, err := fetch(ctx, r.exec, func(ctx context.Context) ([]platform.Sticker, error) {
		return r.client.Stickers(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source stickers: %w", err)
	}

	ids := r.store.Identity()
	capacity := len(stickers)
	if tgtGuild.StickerLimit > 0 {
		capacity = tgtGuild.StickerLimit - ids.Len(identity.Sticker)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sticker := range stickers {
		if targetID, ok := ids.Resolve(identity.Sticker, sticker.ID); ok {
			b.success(identity.Sticker, sticker.ID, targetID, sticker.Name)
			continue
		}
		if capacity <= 0 {
			b.failure(identity.Sticker, sticker.ID, sticker.Name,
				fmt.Errorf("target guild sticker limit (%d) reached", tgtGuild.StickerLimit))
			continue
		}
		capacity--
		sticker := sticker
		g.Go(func() error {
			return r.runTask(gctx, b, executor.PoolDefault, identity.Sticker, sticker.ID, sticker.Name,
				func(ctx context.Context) (string, error) {
					created, err := r.client.CreateSticker(ctx, cfg.TargetGuildID, sticker)
					if err != nil {
						return "", err
					}
					return created.ID, nil
				})
		})
	}
	return g.Wait()
}

func (r *Replicator) replicateWebhooks(ctx context.Context, cfg state.EngineConfig, b *reportBuilder) error {
	channels, err := fetch(ctx, r.exec, func(ctx context.Context) ([]platform.Channel, error) {
		return r.client.Channels(ctx, cfg.SourceGuildID)
	})
	if err != nil {
		return fmt.Errorf("fetching source channels: %w", err)
	}

	ids := r.store.Identity()
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		targetChannelID, ok := ids.Resolve(identity.Channel, ch.ID)
		if !ok {
			continue // channel was not cloned; already reported by the channel stage
		}
		ch := ch
		g.Go(func() error {
			webhooks, err := fetch(gctx, r.exec, func(ctx context.Context) ([]platform.Webhook, error) {
				return r.client.Webhooks(ctx, ch.ID)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.failure(identity.Webhook, ch.ID, ch.Name, err)
				return nil
			}
			for _, wh := range webhooks {
				if targetID, ok := ids.Resolve(identity.Webhook, wh.ID); ok {
					b.success(identity.Webhook, wh.ID, targetID, wh.Name)
					continue
				}
				wh := wh
				err := r.runTask(gctx, b, executor.PoolWebhook, identity.Webhook, wh.ID, wh.Name,
					func(ctx context.Context) (string, error) {
						created, err := r.client.CreateWebhook(ctx, targetChannelID, wh.Name)
						if err != nil {
							return "", err
						}
						return created.ID, nil
					})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
