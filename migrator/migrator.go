// Package migrator transfers the ordered message history of one channel
// into a destination channel, possibly on a different guild, preserving
// chronological order and apparent authorship. Authorship is preserved via
// relay webhooks since the destination has no native impersonation.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dyadlabs/replica/executor"
	"github.com/dyadlabs/replica/identity"
	"github.com/dyadlabs/replica/platform"
	"github.com/dyadlabs/replica/state"
)

// Report is the outcome of one MigrateChannel invocation.
type Report struct {
	OriginChannelID  string       `json:"origin_channel_id"`
	MessagesMigrated int          `json:"messages_migrated"`
	PostsCreated     int          `json:"posts_created,omitempty"`
	ResumedFrom      string       `json:"resumed_from,omitempty"`
	Errors           []RelayError `json:"errors"`
}

// RelayError records one message (or post) that could not be relayed. The
// migration continues past it.
type RelayError struct {
	MessageID string `json:"message_id,omitempty"`
	PostID    string `json:"post_id,omitempty"`
	Reason    string `json:"reason"`
}

// reportAgg collects outcomes from concurrently migrating posts.
type reportAgg struct {
	mu  sync.Mutex
	rep Report
}

func (a *reportAgg) migrated() {
	a.mu.Lock()
	a.rep.MessagesMigrated++
	a.mu.Unlock()
}

func (a *reportAgg) postCreated() {
	a.mu.Lock()
	a.rep.PostsCreated++
	a.mu.Unlock()
}

func (a *reportAgg) fail(messageID, postID string, err error) {
	a.mu.Lock()
	a.rep.Errors = append(a.rep.Errors, RelayError{MessageID: messageID, PostID: postID, Reason: err.Error()})
	a.mu.Unlock()
}

type Migrator struct {
	client platform.Client
	store  *state.Store
	exec   *executor.Executor
	log    logger.Logger
	stat   stats.Stats

	batchSize       int
	postConcurrency int
}

func New(client platform.Client, store *state.Store, exec *executor.Executor, conf *config.Config, stat stats.Stats, log logger.Logger) *Migrator {
	return &Migrator{
		client:          client,
		store:           store,
		exec:            exec,
		log:             log.Child("migrator"),
		stat:            stat,
		batchSize:       conf.GetInt("Replica.Migrator.batchSize", 100),
		postConcurrency: conf.GetInt("Replica.Migrator.postConcurrency", 4),
	}
}

func isTextLike(t platform.ChannelType) bool {
	return t == platform.ChannelTypeText || t == platform.ChannelTypeAnnouncement
}

// MigrateChannel relays the content of the origin channel into the target
// channel. Supported combinations: text→text, forum→forum, thread→text and
// forum-post→forum. Progress is persisted per message, so re-invoking after
// an interruption resumes instead of duplicating.
func (m *Migrator) MigrateChannel(ctx context.Context, originID, targetGuildID, targetChannelID string) (Report, error) {
	origin, err := m.fetchChannel(ctx, originID)
	if err != nil {
		return Report{}, fmt.Errorf("fetching origin channel: %w", err)
	}
	target, err := m.fetchChannel(ctx, targetChannelID)
	if err != nil {
		return Report{}, fmt.Errorf("fetching target channel: %w", err)
	}

	// sticker references degrade to text against whatever the target has
	targetStickers, err := m.fetchStickers(ctx, targetGuildID)
	if err != nil {
		m.log.Warnn("could not list target stickers", logger.NewErrorField(err))
	}
	ren := newRenderer(m.store.Identity(), targetGuildID, targetStickers)

	rel, err := newRelay(m.client, m.exec, m.log)
	if err != nil {
		return Report{}, err
	}
	defer rel.Close(ctx)

	agg := &reportAgg{rep: Report{OriginChannelID: originID, Errors: []RelayError{}}}
	switch {
	case isTextLike(origin.Type) && isTextLike(target.Type):
		err = m.migrateDirect(ctx, rel, ren, origin, targetGuildID, targetChannelID, "", agg)
	case origin.Type.IsThread() && isTextLike(target.Type):
		marker := fmt.Sprintf("**[from thread: %s]**", origin.Name)
		err = m.migrateDirect(ctx, rel, ren, origin, targetGuildID, targetChannelID, marker, agg)
	case origin.Type == platform.ChannelTypeForum && target.Type == platform.ChannelTypeForum:
		err = m.migrateForum(ctx, rel, ren, origin, targetGuildID, target, agg)
	case origin.Type.IsThread() && target.Type == platform.ChannelTypeForum:
		err = m.migratePost(ctx, rel, ren, *origin, targetGuildID, target, agg)
	default:
		return Report{}, fmt.Errorf("unsupported migration combination %s → %s", origin.Type, target.Type)
	}

	report := agg.rep
	m.stat.NewTaggedStat("replica_messages_migrated", stats.CountType,
		stats.Tags{"destType": target.Type.String()}).Count(report.MessagesMigrated)
	m.log.Infon("migration finished",
		logger.NewStringField("origin", originID),
		logger.NewStringField("target", targetChannelID),
		logger.NewIntField("messages", int64(report.MessagesMigrated)),
		logger.NewIntField("errors", int64(len(report.Errors))),
	)
	return report, err
}

// migrateDirect relays origin's messages straight into the target channel.
// Messages that started a thread get the thread recreated on their relayed
// counterpart, with the thread's own history replayed inside it.
func (m *Migrator) migrateDirect(ctx context.Context, rel *relay, ren *renderer, origin *platform.Channel, targetGuildID, targetChannelID, marker string, agg *reportAgg) error {
	wh, err := rel.acquire(ctx, targetChannelID)
	if err != nil {
		return err
	}
	cur := m.store.Cursor(origin.ID, targetGuildID, targetChannelID)
	agg.rep.ResumedFrom = cur.LastMigratedMessageID
	if cur.LastMigratedMessageID != "" {
		marker = "" // resumed mid-channel, the marker already landed
	}
	onRelayed := func(ctx context.Context, src *platform.Message, sentID string) error {
		if src.ThreadID == "" {
			return nil
		}
		return m.migrateAttachedThread(ctx, ren, wh, src, sentID, targetGuildID, targetChannelID, agg)
	}
	return m.relayMessages(ctx, ren, wh, cur, "", marker, agg, onRelayed)
}

// migrateAttachedThread recreates the thread hanging off a relayed channel
// message and replays the thread's history into it. The destination thread is
// anchored on the relayed counterpart of the starter, or on a placeholder
// when the starter never landed.
func (m *Migrator) migrateAttachedThread(ctx context.Context, ren *renderer, wh platform.Webhook, parent *platform.Message, parentSentID string, targetGuildID, targetChannelID string, agg *reportAgg) error {
	thread, err := m.fetchChannel(ctx, parent.ThreadID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agg.fail(parent.ID, parent.ThreadID, err)
		return nil
	}

	destThreadID, ok := m.store.Identity().Resolve(identity.Channel, thread.ID)
	if !ok {
		if parentSentID == "" {
			sent, err := m.send(ctx, wh, platform.WebhookMessage{Content: deletedStarterPlaceholder})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				agg.fail(parent.ID, thread.ID, err)
				return nil
			}
			parentSentID = sent.ID
		}
		created, err := m.createThread(ctx, targetChannelID, parentSentID, thread.Name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			agg.fail(parent.ID, thread.ID, err)
			return nil
		}
		destThreadID = created.ID
		if err := m.store.RecordIdentity(identity.Channel, thread.ID, destThreadID); err != nil {
			return err
		}
	}

	cur := m.store.Cursor(thread.ID, targetGuildID, destThreadID)
	if err := m.relayMessages(ctx, ren, wh, cur, destThreadID, "", agg, nil); err != nil {
		return err
	}
	m.applyThreadMetadata(ctx, *thread, destThreadID)
	return nil
}

// migrateForum recreates each source forum post in the target forum,
// archived posts first so they land oldest. Posts proceed concurrently;
// messages within a post stay strictly ordered.
func (m *Migrator) migrateForum(ctx context.Context, rel *relay, ren *renderer, origin *platform.Channel, targetGuildID string, target *platform.Channel, agg *reportAgg) error {
	archived, err := m.fetchThreads(ctx, origin.ID, true)
	if err != nil {
		return fmt.Errorf("listing archived posts: %w", err)
	}
	active, err := m.fetchThreads(ctx, origin.ID, false)
	if err != nil {
		return fmt.Errorf("listing active posts: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.postConcurrency)
	for _, post := range append(archived, active...) {
		post := post
		g.Go(func() error {
			return m.migratePost(gctx, rel, ren, post, targetGuildID, target, agg)
		})
	}
	return g.Wait()
}

// migratePost recreates one thread/forum post in the target forum and
// replays its messages into the recreated post.
func (m *Migrator) migratePost(ctx context.Context, rel *relay, ren *renderer, post platform.Channel, targetGuildID string, targetForum *platform.Channel, agg *reportAgg) error {
	// forum webhooks live on the forum channel and address posts by thread ID
	wh, err := rel.acquire(ctx, targetForum.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agg.fail("", post.ID, err)
		return nil
	}

	destThreadID, ok := m.store.Identity().Resolve(identity.Channel, post.ID)
	if !ok {
		destThreadID, err = m.createPost(ctx, ren, wh, post, targetGuildID, agg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			agg.fail("", post.ID, err)
			return nil
		}
		if err := m.store.RecordIdentity(identity.Channel, post.ID, destThreadID); err != nil {
			return err
		}
		agg.postCreated()
	}

	cur := m.store.Cursor(post.ID, targetGuildID, destThreadID)
	if err := m.relayMessages(ctx, ren, wh, cur, destThreadID, "", agg, nil); err != nil {
		return err
	}
	m.applyThreadMetadata(ctx, post, destThreadID)
	return nil
}

// createPost opens the destination forum post using the origin post's
// starter message and returns the new post's thread ID. A missing or empty
// starter gets a deletion placeholder so the post still exists.
func (m *Migrator) createPost(ctx context.Context, ren *renderer, wh platform.Webhook, post platform.Channel, targetGuildID string, agg *reportAgg) (string, error) {
	var starter *platform.Message
	head, err := m.fetchMessages(ctx, post.ID, "", 1)
	if err != nil {
		return "", fmt.Errorf("fetching starter message: %w", err)
	}
	// the starter shares the post's ID; anything else means it was deleted
	if len(head) > 0 && head[0].ID == post.ID {
		starter = &head[0]
	}

	var payloads []platform.WebhookMessage
	if starter != nil {
		payloads = ren.render(starter)
	}
	if len(payloads) == 0 {
		payloads = []platform.WebhookMessage{{Content: deletedStarterPlaceholder}}
	}
	payloads[0].ThreadName = post.Name
	payloads[0].AppliedTags = lo.FilterMap(post.AppliedTags, func(tagID string, _ int) (string, bool) {
		return ren.ids.Resolve(identity.Tag, tagID)
	})

	created, err := m.send(ctx, wh, payloads[0])
	if err != nil {
		return "", err
	}
	destThreadID := created.ChannelID

	// continuation chunks of an oversized starter
	for _, payload := range payloads[1:] {
		payload.ThreadID = destThreadID
		payload.ReplyTo = created.ID
		if _, err := m.send(ctx, wh, payload); err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			agg.fail(post.ID, post.ID, err)
			break
		}
	}

	if starter != nil {
		cur := m.store.Cursor(post.ID, targetGuildID, destThreadID)
		if err := m.store.AdvanceCursor(cur, starter.ID); err != nil {
			return "", err
		}
		agg.migrated()
	}
	return destThreadID, nil
}

// relayMessages replays origin messages newer than the cursor into the
// destination, strictly in order, advancing and persisting the cursor after
// each source message. onRelayed, when set, runs after a message landed and
// before its cursor advance.
func (m *Migrator) relayMessages(ctx context.Context, ren *renderer, wh platform.Webhook, cur state.MigrationCursor, threadID, marker string, agg *reportAgg, onRelayed func(ctx context.Context, src *platform.Message, sentID string) error) error {
	for {
		batch, err := m.fetchMessages(ctx, cur.OriginChannelID, cur.LastMigratedMessageID, m.batchSize)
		if err != nil {
			return fmt.Errorf("fetching messages after %q: %w", cur.LastMigratedMessageID, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			msg := &batch[i]
			sentID, err := m.relayOne(ctx, ren, wh, msg, threadID, marker, agg)
			if err != nil {
				return err
			}
			if sentID != "" {
				marker = "" // landed, the next message relays unmarked
			}
			if onRelayed != nil {
				if err := onRelayed(ctx, msg, sentID); err != nil {
					return err
				}
			}
			if err := m.store.AdvanceCursor(cur, msg.ID); err != nil {
				return err
			}
			cur.LastMigratedMessageID = msg.ID
		}
		if len(batch) < m.batchSize {
			return nil
		}
	}
}

// relayOne sends a single source message, possibly as multiple chunks, and
// returns the ID of the first relayed chunk ("" when the message was skipped
// or failed). Only context cancellation and identity conflicts abort;
// everything else is recorded and skipped so one poisoned message cannot
// wedge the migration.
func (m *Migrator) relayOne(ctx context.Context, ren *renderer, wh platform.Webhook, msg *platform.Message, threadID, marker string, agg *reportAgg) (string, error) {
	if msg.Type == platform.MessageTypeSystem || msg.Type == platform.MessageTypeThreadStarter {
		return "", nil
	}
	payloads := ren.render(msg)
	if len(payloads) == 0 {
		return "", nil // nothing relayable
	}
	if marker != "" {
		payloads[0].Content = marker + "\n" + payloads[0].Content
	}

	firstID := ""
	for i := range payloads {
		payloads[i].ThreadID = threadID
		if i > 0 {
			payloads[i].ReplyTo = firstID
		}
		sent, err := m.send(ctx, wh, payloads[i])
		if err != nil {
			if ctx.Err() != nil {
				return firstID, ctx.Err()
			}
			var conflict *identity.ConflictError
			if errors.As(err, &conflict) {
				return firstID, err
			}
			agg.fail(msg.ID, "", err)
			return firstID, nil
		}
		if i == 0 {
			firstID = sent.ID
		}
	}
	agg.migrated()
	return firstID, nil
}

func (m *Migrator) send(ctx context.Context, wh platform.Webhook, payload platform.WebhookMessage) (*platform.Message, error) {
	cfg := m.store.EngineConfig()
	var sent *platform.Message
	err := m.exec.Submit(ctx, executor.PoolWebhook, cfg.WebhookDelay, func(ctx context.Context) error {
		created, err := m.client.ExecuteWebhook(ctx, wh, payload)
		if err != nil {
			return err
		}
		sent = created
		return nil
	})
	return sent, err
}

// applyThreadMetadata re-applies archived/locked flags and the auto-archive
// duration onto the destination post. Best effort.
func (m *Migrator) applyThreadMetadata(ctx context.Context, post platform.Channel, destThreadID string) {
	if !post.Archived && !post.Locked && post.AutoArchiveDuration == 0 {
		return
	}
	upd := platform.ThreadUpdate{}
	if post.Archived {
		upd.Archived = lo.ToPtr(true)
	}
	if post.Locked {
		upd.Locked = lo.ToPtr(true)
	}
	if post.AutoArchiveDuration > 0 {
		upd.AutoArchiveDuration = lo.ToPtr(post.AutoArchiveDuration)
	}
	cfg := m.store.EngineConfig()
	err := m.exec.Submit(ctx, executor.PoolChannel, cfg.ProcessDelay, func(ctx context.Context) error {
		return m.client.UpdateThread(ctx, destThreadID, upd)
	})
	if err != nil {
		m.log.Warnn("could not restore thread metadata",
			logger.NewStringField("threadId", destThreadID),
			logger.NewErrorField(err),
		)
	}
}

func (m *Migrator) createThread(ctx context.Context, channelID, messageID, name string) (*platform.Channel, error) {
	cfg := m.store.EngineConfig()
	var out *platform.Channel
	err := m.exec.Submit(ctx, executor.PoolChannel, cfg.ProcessDelay, func(ctx context.Context) error {
		ch, err := m.client.CreateThread(ctx, channelID, messageID, name)
		if err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

func (m *Migrator) fetchChannel(ctx context.Context, channelID string) (*platform.Channel, error) {
	var out *platform.Channel
	err := m.exec.Submit(ctx, executor.PoolDefault, 0, func(ctx context.Context) error {
		ch, err := m.client.Channel(ctx, channelID)
		if err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

func (m *Migrator) fetchStickers(ctx context.Context, guildID string) ([]platform.Sticker, error) {
	var out []platform.Sticker
	err := m.exec.Submit(ctx, executor.PoolDefault, 0, func(ctx context.Context) error {
		stickers, err := m.client.Stickers(ctx, guildID)
		if err != nil {
			return err
		}
		out = stickers
		return nil
	})
	return out, err
}

func (m *Migrator) fetchThreads(ctx context.Context, channelID string, archived bool) ([]platform.Channel, error) {
	var out []platform.Channel
	err := m.exec.Submit(ctx, executor.PoolDefault, 0, func(ctx context.Context) error {
		threads, err := m.client.Threads(ctx, channelID, archived)
		if err != nil {
			return err
		}
		out = threads
		return nil
	})
	return out, err
}

func (m *Migrator) fetchMessages(ctx context.Context, channelID, afterID string, limit int) ([]platform.Message, error) {
	var out []platform.Message
	err := m.exec.Submit(ctx, executor.PoolDefault, 0, func(ctx context.Context) error {
		msgs, err := m.client.Messages(ctx, channelID, afterID, limit)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}
