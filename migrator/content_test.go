package migrator

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/dyadlabs/replica/identity"
	"github.com/dyadlabs/replica/platform"
)

func testRenderer(t *testing.T) *renderer {
	t.Helper()
	ids := identity.NewMap()
	require.NoError(t, ids.Record(identity.Channel, "111", "211"))
	require.NoError(t, ids.Record(identity.Role, "333", "433"))
	require.NoError(t, ids.Record(identity.Sticker, "555", "655"))
	return newRenderer(ids, "target-guild", []platform.Sticker{{ID: "655", Name: "wave"}})
}

func TestRewriteMentionsAndLinks(t *testing.T) {
	r := testRenderer(t)

	in := "see <#111> and ask <@&333>, context: https://discord.com/channels/1/111/42"
	out := r.rewrite(in)
	require.Equal(t, "see <#211> and ask <@&433>, context: https://discord.com/channels/target-guild/211/42", out)

	// unmapped references stay as-is
	in = "dead link <#999> and <@&888>, https://discord.com/channels/1/999/42"
	require.Equal(t, in, r.rewrite(in))
}

func TestRenderChunksOversizedContent(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{
		ID:        "m1",
		Author:    platform.User{DisplayName: "ann"},
		Content:   strings.Repeat("word ", 900), // 4500 chars
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	payloads := r.render(msg)
	require.Len(t, payloads, 3)
	for _, p := range payloads {
		require.LessOrEqual(t, len(p.Content), maxMessageLen)
		require.Equal(t, "ann at 01/03/2024 12:00", p.Username)
	}
}

func TestRenderReplyQuote(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{
		ID:        "m2",
		Type:      platform.MessageTypeReply,
		Author:    platform.User{DisplayName: "ben"},
		Content:   "agreed",
		Timestamp: time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		Referenced: &platform.Message{
			ID:        "m1",
			Author:    platform.User{DisplayName: "ann"},
			Content:   "original point",
			Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	payloads := r.render(msg)
	require.Len(t, payloads, 1)
	require.Contains(t, payloads[0].Content, "> ann at 01/03/2024 12:00 said:")
	require.Contains(t, payloads[0].Content, "> original point")
	require.Contains(t, payloads[0].Content, "agreed")
}

func TestRenderFlattensPoll(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{
		ID:        "m1",
		Author:    platform.User{DisplayName: "ann"},
		Timestamp: time.Now(),
		Poll: &platform.Poll{
			Question: "tabs or spaces?",
			Answers: []platform.PollAnswer{
				{Text: "tabs", Count: 3},
				{Text: "spaces", Count: 7},
			},
			Finished: true,
		},
	}

	payloads := r.render(msg)
	require.Len(t, payloads, 1)
	require.Contains(t, payloads[0].Content, "tabs or spaces?")
	require.Contains(t, payloads[0].Content, "tabs (3 votes)")
	require.Contains(t, payloads[0].Content, "spaces (7 votes)")
}

func TestRenderAttachmentsAndStickers(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{
		ID:          "m1",
		Author:      platform.User{DisplayName: "ann"},
		Timestamp:   time.Now(),
		Content:     "look",
		Attachments: []platform.Attachment{{URL: "https://cdn.example/cat.png"}},
		Stickers: []platform.StickerItem{
			{ID: "555", Name: "wave"},
			{ID: "777", Name: "exotic"},
		},
	}

	payloads := r.render(msg)
	require.Len(t, payloads, 1)
	require.Contains(t, payloads[0].Content, "https://cdn.example/cat.png")
	require.Contains(t, payloads[0].Content, "[sticker: wave]")
	require.Contains(t, payloads[0].Content, "[sticker: exotic (unavailable here)]")
	// attachments land before the message body
	require.Less(t,
		strings.Index(payloads[0].Content, "https://cdn.example/cat.png"),
		strings.Index(payloads[0].Content, "look"))
}

func TestQuoteTruncatesOnRuneBoundary(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{
		ID:        "m2",
		Author:    platform.User{DisplayName: "ben"},
		Content:   "noted",
		Timestamp: time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		Referenced: &platform.Message{
			ID:        "m1",
			Author:    platform.User{DisplayName: "ann"},
			Content:   strings.Repeat("漢", 100), // 300 bytes, boundary falls mid-rune at 200
			Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	payloads := r.render(msg)
	require.Len(t, payloads, 1)
	require.True(t, utf8.ValidString(payloads[0].Content))
	require.Contains(t, payloads[0].Content, "…")
}

func TestRenderEmbedOnlyMessage(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{
		ID:        "m1",
		Author:    platform.User{DisplayName: "ann"},
		Timestamp: time.Now(),
		Embeds:    []platform.Embed{{Raw: []byte(`{"title":"hi"}`)}},
	}

	payloads := r.render(msg)
	require.Len(t, payloads, 1)
	require.Empty(t, payloads[0].Content)
	require.Len(t, payloads[0].Embeds, 1)
}

func TestRenderSkipsEmptyMessage(t *testing.T) {
	r := testRenderer(t)
	msg := &platform.Message{ID: "m1", Author: platform.User{DisplayName: "ann"}, Timestamp: time.Now()}
	require.Empty(t, r.render(msg))
}

func TestUsernameClamped(t *testing.T) {
	msg := &platform.Message{
		Author:    platform.User{DisplayName: strings.Repeat("x", 100)},
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	name := username(msg)
	require.Len(t, name, maxUsernameLen)
	require.True(t, strings.HasSuffix(name, "at 01/03/2024 12:00"))
}

func TestUsernameClampedOnRuneBoundary(t *testing.T) {
	msg := &platform.Message{
		Author:    platform.User{DisplayName: strings.Repeat("é", 60) + "z"},
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	name := username(msg)
	require.LessOrEqual(t, len(name), maxUsernameLen)
	require.True(t, utf8.ValidString(name))
	require.True(t, strings.HasSuffix(name, "at 01/03/2024 12:00"))
}
