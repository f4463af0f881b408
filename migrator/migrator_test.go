package migrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dyadlabs/replica/executor"
	"github.com/dyadlabs/replica/platform"
	"github.com/dyadlabs/replica/state"
)

const testTargetGuildID = "900"

type sentRecord struct {
	Webhook platform.Webhook
	Payload platform.WebhookMessage
}

// fakePlatform is an in-memory message platform recording every relay send
// in order.
type fakePlatform struct {
	mu              sync.Mutex
	channels        map[string]platform.Channel
	messages        map[string][]platform.Message
	threadsActive   map[string][]platform.Channel
	threadsArchived map[string][]platform.Channel
	webhooks        map[string][]platform.Webhook
	stickers        map[string][]platform.Sticker

	nextID          int
	sent            []sentRecord
	createdWebhooks int
	deletedWebhooks []string
	createdThreads  []createdThread
	threadUpdates   map[string]platform.ThreadUpdate
}

type createdThread struct {
	ChannelID string
	MessageID string
	Name      string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		channels:        map[string]platform.Channel{},
		messages:        map[string][]platform.Message{},
		threadsActive:   map[string][]platform.Channel{},
		threadsArchived: map[string][]platform.Channel{},
		webhooks:        map[string][]platform.Webhook{},
		stickers:        map[string][]platform.Sticker{},
		threadUpdates:   map[string]platform.ThreadUpdate{},
	}
}

func (f *fakePlatform) genID() string {
	f.nextID++
	return fmt.Sprintf("new-%03d", f.nextID)
}

func (f *fakePlatform) Guild(context.Context, string) (*platform.Guild, error) {
	return nil, &platform.PermanentError{Code: platform.CodeUnknownGuild, Message: "unknown guild"}
}
func (f *fakePlatform) UpdateGuild(context.Context, string, platform.GuildSettings) error {
	return nil
}
func (f *fakePlatform) Roles(context.Context, string) ([]platform.Role, error) { return nil, nil }
func (f *fakePlatform) CreateRole(context.Context, string, platform.RoleCreate) (*platform.Role, error) {
	return nil, nil
}
func (f *fakePlatform) UpdateRole(context.Context, string, string, platform.RoleCreate) (*platform.Role, error) {
	return nil, nil
}
func (f *fakePlatform) Emojis(context.Context, string) ([]platform.Emoji, error) { return nil, nil }
func (f *fakePlatform) CreateEmoji(context.Context, string, platform.Emoji) (*platform.Emoji, error) {
	return nil, nil
}
func (f *fakePlatform) Stickers(_ context.Context, guildID string) ([]platform.Sticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stickers[guildID], nil
}
func (f *fakePlatform) CreateSticker(context.Context, string, platform.Sticker) (*platform.Sticker, error) {
	return nil, nil
}
func (f *fakePlatform) Channels(context.Context, string) ([]platform.Channel, error) {
	return nil, nil
}
func (f *fakePlatform) CreateChannel(context.Context, string, platform.ChannelCreate) (*platform.Channel, error) {
	return nil, nil
}

func (f *fakePlatform) Channel(_ context.Context, channelID string) (*platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, &platform.PermanentError{Code: platform.CodeUnknownChannel, Message: "unknown channel"}
	}
	return &ch, nil
}

func (f *fakePlatform) CreateThread(_ context.Context, channelID, messageID, name string) (*platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th := platform.Channel{
		ID:       "t-" + f.genID(),
		Type:     platform.ChannelTypePublicThread,
		Name:     name,
		ParentID: channelID,
	}
	f.createdThreads = append(f.createdThreads, createdThread{ChannelID: channelID, MessageID: messageID, Name: name})
	f.channels[th.ID] = th
	return &th, nil
}

func (f *fakePlatform) UpdateThread(_ context.Context, threadID string, attrs platform.ThreadUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadUpdates[threadID] = attrs
	return nil
}

func (f *fakePlatform) Threads(_ context.Context, channelID string, archived bool) ([]platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if archived {
		return f.threadsArchived[channelID], nil
	}
	return f.threadsActive[channelID], nil
}

func (f *fakePlatform) Messages(_ context.Context, channelID, afterID string, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[channelID]
	start := 0
	if afterID != "" {
		for i, msg := range msgs {
			if msg.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	if start >= len(msgs) {
		return nil, nil
	}
	return append([]platform.Message(nil), msgs[start:end]...), nil
}

func (f *fakePlatform) Webhooks(_ context.Context, channelID string) ([]platform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Webhook(nil), f.webhooks[channelID]...), nil
}

func (f *fakePlatform) CreateWebhook(_ context.Context, channelID, name string) (*platform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh := platform.Webhook{ID: f.genID(), ChannelID: channelID, Name: name}
	f.webhooks[channelID] = append(f.webhooks[channelID], wh)
	f.createdWebhooks++
	return &wh, nil
}

func (f *fakePlatform) DeleteWebhook(_ context.Context, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedWebhooks = append(f.deletedWebhooks, webhookID)
	return nil
}

func (f *fakePlatform) ExecuteWebhook(_ context.Context, wh platform.Webhook, msg platform.WebhookMessage) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRecord{Webhook: wh, Payload: msg})
	created := platform.Message{ID: f.genID(), ChannelID: wh.ChannelID}
	if msg.ThreadName != "" {
		created.ChannelID = "thread-" + created.ID
	} else if msg.ThreadID != "" {
		created.ChannelID = msg.ThreadID
	}
	return &created, nil
}

func newTestMigrator(t *testing.T, client platform.Client) (*Migrator, *state.Store) {
	t.Helper()
	conf := config.New()
	conf.Set("Replica.webhookDelay", "100ms")
	conf.Set("Replica.processDelay", "100ms")
	conf.Set("Replica.Migrator.batchSize", 3)

	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), conf, logger.NOP)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	exec := executor.New(ctx, conf, stats.NOP, logger.NOP)
	t.Cleanup(func() {
		cancel()
		exec.Shutdown()
	})
	return New(client, store, exec, conf, stats.NOP, logger.NOP), store
}

func msg(id, author, content string, minute int) platform.Message {
	return platform.Message{
		ID:        id,
		Author:    platform.User{ID: "u-" + author, DisplayName: author},
		Content:   content,
		Timestamp: time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC),
	}
}

func TestMigrateTextPreservesOrder(t *testing.T) {
	f := newFakePlatform()
	f.channels["src"] = platform.Channel{ID: "src", Type: platform.ChannelTypeText, Name: "general"}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText, Name: "general"}
	for i := 1; i <= 5; i++ {
		f.messages["src"] = append(f.messages["src"], msg(fmt.Sprintf("m%d", i), "alice", fmt.Sprintf("message %d", i), i))
	}

	m, _ := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, 5, report.MessagesMigrated)
	require.Empty(t, report.Errors)
	require.Empty(t, report.ResumedFrom)

	require.Len(t, f.sent, 5)
	for i, rec := range f.sent {
		require.Equal(t, fmt.Sprintf("message %d", i+1), rec.Payload.Content)
		require.Contains(t, rec.Payload.Username, "alice at ")
	}
}

func TestMigrateResumesFromCursor(t *testing.T) {
	f := newFakePlatform()
	f.channels["src"] = platform.Channel{ID: "src", Type: platform.ChannelTypeText}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}
	for i := 1; i <= 3; i++ {
		f.messages["src"] = append(f.messages["src"], msg(fmt.Sprintf("m%d", i), "bob", fmt.Sprintf("message %d", i), i))
	}

	m, store := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, 3, report.MessagesMigrated)
	require.Equal(t, "m3", store.Cursor("src", testTargetGuildID, "dst").LastMigratedMessageID)

	// messages arrive after the first run, as if the run had been cut short
	for i := 4; i <= 6; i++ {
		f.messages["src"] = append(f.messages["src"], msg(fmt.Sprintf("m%d", i), "bob", fmt.Sprintf("message %d", i), i))
	}
	report, err = m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, "m3", report.ResumedFrom)
	require.Equal(t, 3, report.MessagesMigrated)

	require.Len(t, f.sent, 6) // no duplicates
	require.Equal(t, "message 4", f.sent[3].Payload.Content)
}

func TestMigrateForumPostWithReplies(t *testing.T) {
	f := newFakePlatform()
	f.channels["forum-src"] = platform.Channel{ID: "forum-src", Type: platform.ChannelTypeForum, Name: "help"}
	f.channels["forum-dst"] = platform.Channel{ID: "forum-dst", Type: platform.ChannelTypeForum, Name: "help"}
	post := platform.Channel{ID: "p1", Type: platform.ChannelTypePublicThread, Name: "how do I migrate"}
	f.threadsActive["forum-src"] = []platform.Channel{post}

	starter := msg("p1", "asker", "how does this work?", 0)
	f.messages["p1"] = []platform.Message{starter}
	authors := []string{"ann", "ben", "cat", "dan", "eve"}
	for i, author := range authors {
		f.messages["p1"] = append(f.messages["p1"], msg(fmt.Sprintf("r%d", i+1), author, "reply "+author, i+1))
	}

	m, store := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "forum-src", testTargetGuildID, "forum-dst")
	require.NoError(t, err)
	require.Equal(t, 1, report.PostsCreated)
	require.Equal(t, 6, report.MessagesMigrated) // starter plus five replies
	require.Empty(t, report.Errors)

	// first send opens the post, the rest land inside it
	require.Len(t, f.sent, 6)
	require.Equal(t, "how do I migrate", f.sent[0].Payload.ThreadName)
	destThreadID := ""
	for i, rec := range f.sent[1:] {
		require.NotEmpty(t, rec.Payload.ThreadID)
		if destThreadID == "" {
			destThreadID = rec.Payload.ThreadID
		}
		require.Equal(t, destThreadID, rec.Payload.ThreadID)
		require.Contains(t, rec.Payload.Username, authors[i]+" at ")
	}

	cur := store.Cursor("p1", testTargetGuildID, destThreadID)
	require.Equal(t, "r5", cur.LastMigratedMessageID)
}

func TestMigrateForumPostDeletedStarter(t *testing.T) {
	f := newFakePlatform()
	f.channels["forum-src"] = platform.Channel{ID: "forum-src", Type: platform.ChannelTypeForum}
	f.channels["forum-dst"] = platform.Channel{ID: "forum-dst", Type: platform.ChannelTypeForum}
	post := platform.Channel{ID: "p1", Type: platform.ChannelTypePublicThread, Name: "orphaned"}
	f.threadsArchived["forum-src"] = []platform.Channel{post}
	// starter gone: history begins with a reply
	f.messages["p1"] = []platform.Message{msg("r1", "ann", "still here", 1)}

	m, _ := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "forum-src", testTargetGuildID, "forum-dst")
	require.NoError(t, err)
	require.Equal(t, 1, report.PostsCreated)

	require.GreaterOrEqual(t, len(f.sent), 2)
	require.Equal(t, "orphaned", f.sent[0].Payload.ThreadName)
	require.Equal(t, deletedStarterPlaceholder, f.sent[0].Payload.Content)
	require.Equal(t, "still here", f.sent[1].Payload.Content)
}

func TestMigrateThreadToTextCarriesMarker(t *testing.T) {
	f := newFakePlatform()
	f.channels["th"] = platform.Channel{ID: "th", Type: platform.ChannelTypePublicThread, Name: "side quest"}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}
	f.messages["th"] = []platform.Message{
		msg("m1", "ann", "first", 1),
		msg("m2", "ben", "second", 2),
	}

	m, _ := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "th", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, 2, report.MessagesMigrated)

	require.Len(t, f.sent, 2)
	require.True(t, strings.HasPrefix(f.sent[0].Payload.Content, "**[from thread: side quest]**"))
	require.Equal(t, "second", f.sent[1].Payload.Content)
}

func TestMigrateTextRecreatesAttachedThreads(t *testing.T) {
	f := newFakePlatform()
	f.channels["src"] = platform.Channel{ID: "src", Type: platform.ChannelTypeText}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}
	f.channels["th1"] = platform.Channel{ID: "th1", Type: platform.ChannelTypePublicThread, Name: "deep dive", ParentID: "src"}

	starter := msg("m2", "ann", "starts a discussion", 2)
	starter.ThreadID = "th1"
	f.messages["src"] = []platform.Message{
		msg("m1", "ann", "first", 1),
		starter,
		msg("m3", "ben", "last", 3),
	}
	f.messages["th1"] = []platform.Message{
		msg("t1", "ben", "inside the thread", 10),
		msg("t2", "cat", "more inside", 11),
	}

	m, store := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, 5, report.MessagesMigrated)
	require.Empty(t, report.Errors)

	// thread anchored on the relayed starter, history replayed inside it
	require.Len(t, f.createdThreads, 1)
	require.Equal(t, "dst", f.createdThreads[0].ChannelID)
	require.Equal(t, "deep dive", f.createdThreads[0].Name)
	require.NotEmpty(t, f.createdThreads[0].MessageID)

	contents := make([]string, 0, len(f.sent))
	for _, rec := range f.sent {
		contents = append(contents, rec.Payload.Content)
	}
	require.Equal(t, []string{"first", "starts a discussion", "inside the thread", "more inside", "last"}, contents)

	destThreadID := f.sent[2].Payload.ThreadID
	require.NotEmpty(t, destThreadID)
	require.Equal(t, destThreadID, f.sent[3].Payload.ThreadID)
	require.Equal(t, "t2", store.Cursor("th1", testTargetGuildID, destThreadID).LastMigratedMessageID)

	// a rerun neither resends nor recreates the thread
	sentBefore := len(f.sent)
	_, err = m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Len(t, f.sent, sentBefore)
	require.Len(t, f.createdThreads, 1)
}

func TestMigrateThreadMarkerSkipsToFirstRelayable(t *testing.T) {
	f := newFakePlatform()
	f.channels["th"] = platform.Channel{ID: "th", Type: platform.ChannelTypePublicThread, Name: "side quest"}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}
	system := msg("m1", "system", "someone joined", 1)
	system.Type = platform.MessageTypeSystem
	f.messages["th"] = []platform.Message{
		system,
		msg("m2", "ben", "second", 2),
	}

	m, _ := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "th", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, 1, report.MessagesMigrated)

	// the marker waits for the first message that actually relays
	require.Len(t, f.sent, 1)
	require.True(t, strings.HasPrefix(f.sent[0].Payload.Content, "**[from thread: side quest]**"))
	require.Contains(t, f.sent[0].Payload.Content, "second")
}

func TestRelayAcquireCollapsesConcurrentCreates(t *testing.T) {
	f := newFakePlatform()
	m, _ := newTestMigrator(t, f)
	rel, err := newRelay(f, m.exec, logger.NOP)
	require.NoError(t, err)
	defer rel.Close(context.Background())

	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			wh, err := rel.acquire(gctx, "dst")
			if err != nil {
				return err
			}
			if wh.ChannelID != "dst" {
				return fmt.Errorf("acquired webhook for channel %s", wh.ChannelID)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, f.createdWebhooks)
}

func TestMigrateThreadMetadataReapplied(t *testing.T) {
	f := newFakePlatform()
	f.channels["forum-src"] = platform.Channel{ID: "forum-src", Type: platform.ChannelTypeForum}
	f.channels["forum-dst"] = platform.Channel{ID: "forum-dst", Type: platform.ChannelTypeForum}
	post := platform.Channel{
		ID: "p1", Type: platform.ChannelTypePublicThread, Name: "done",
		Archived: true, Locked: true, AutoArchiveDuration: 1440,
	}
	f.threadsArchived["forum-src"] = []platform.Channel{post}
	f.messages["p1"] = []platform.Message{msg("p1", "ann", "solved, thanks", 0)}

	m, _ := newTestMigrator(t, f)
	_, err := m.MigrateChannel(context.Background(), "forum-src", testTargetGuildID, "forum-dst")
	require.NoError(t, err)

	require.Len(t, f.threadUpdates, 1)
	for _, upd := range f.threadUpdates {
		require.NotNil(t, upd.Archived)
		require.True(t, *upd.Archived)
		require.NotNil(t, upd.Locked)
		require.NotNil(t, upd.AutoArchiveDuration)
		require.Equal(t, 1440, *upd.AutoArchiveDuration)
	}
}

func TestMigrateRelayWebhookReusedAndTornDown(t *testing.T) {
	f := newFakePlatform()
	f.channels["src"] = platform.Channel{ID: "src", Type: platform.ChannelTypeText}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}
	f.messages["src"] = []platform.Message{msg("m1", "ann", "hello", 1)}
	// a relay webhook left over from an earlier run
	leftover := platform.Webhook{ID: "wh-old", ChannelID: "dst", Name: relayWebhookName}
	f.webhooks["dst"] = []platform.Webhook{leftover}

	m, _ := newTestMigrator(t, f)
	_, err := m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)

	require.Zero(t, f.createdWebhooks)
	require.Equal(t, []string{"wh-old"}, f.deletedWebhooks)
}

func TestMigrateUnsupportedCombination(t *testing.T) {
	f := newFakePlatform()
	f.channels["v"] = platform.Channel{ID: "v", Type: platform.ChannelTypeVoice}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}

	m, _ := newTestMigrator(t, f)
	_, err := m.MigrateChannel(context.Background(), "v", testTargetGuildID, "dst")
	require.ErrorContains(t, err, "unsupported migration combination")
}

func TestMigrateSkipsEmptyAndSystemMessages(t *testing.T) {
	f := newFakePlatform()
	f.channels["src"] = platform.Channel{ID: "src", Type: platform.ChannelTypeText}
	f.channels["dst"] = platform.Channel{ID: "dst", Type: platform.ChannelTypeText}
	system := msg("m2", "system", "someone joined", 2)
	system.Type = platform.MessageTypeSystem
	f.messages["src"] = []platform.Message{
		msg("m1", "ann", "real content", 1),
		system,
		{ID: "m3", Author: platform.User{DisplayName: "ben"}, Timestamp: time.Now()}, // nothing relayable
		msg("m4", "cat", "more content", 4),
	}

	m, store := newTestMigrator(t, f)
	report, err := m.MigrateChannel(context.Background(), "src", testTargetGuildID, "dst")
	require.NoError(t, err)
	require.Equal(t, 2, report.MessagesMigrated)
	require.Len(t, f.sent, 2)
	// skipped messages still advance the cursor
	require.Equal(t, "m4", store.Cursor("src", testTargetGuildID, "dst").LastMigratedMessageID)
}
