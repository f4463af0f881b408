package migrator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dyadlabs/replica/identity"
	"github.com/dyadlabs/replica/platform"
	"github.com/dyadlabs/replica/utils/misc"
)

const (
	// maxMessageLen is the platform's hard cap on message content.
	maxMessageLen = 2000
	// maxUsernameLen is the platform's cap on webhook display names.
	maxUsernameLen = 80

	timestampLayout = "02/01/2006 15:04"

	deletedStarterPlaceholder = "*This message has been deleted by original author.*"
)

var (
	channelMentionRe = regexp.MustCompile(`<#(\d+)>`)
	roleMentionRe    = regexp.MustCompile(`<@&(\d+)>`)
	messageLinkRe    = regexp.MustCompile(`https://(?:ptb\.|canary\.)?discord\.com/channels/(\d+)/(\d+)(/\d+)?`)
)

// renderer turns source messages into webhook payloads targeting the
// destination guild: mentions and links are rewritten through the identity
// map, non-relayable parts (polls, stickers, attachments) are flattened to
// text.
type renderer struct {
	ids           *identity.Map
	targetGuildID string

	// target guild stickers, for resolving sticker references by name
	stickerNames map[string]struct{}
}

func newRenderer(ids *identity.Map, targetGuildID string, targetStickers []platform.Sticker) *renderer {
	names := make(map[string]struct{}, len(targetStickers))
	for _, st := range targetStickers {
		names[st.Name] = struct{}{}
	}
	return &renderer{ids: ids, targetGuildID: targetGuildID, stickerNames: names}
}

// rewrite maps channel mentions, role mentions and message links onto their
// destination-side counterparts. Unmapped references are left untouched.
func (r *renderer) rewrite(content string) string {
	content = channelMentionRe.ReplaceAllStringFunc(content, func(m string) string {
		sourceID := channelMentionRe.FindStringSubmatch(m)[1]
		if targetID, ok := r.ids.Resolve(identity.Channel, sourceID); ok {
			return "<#" + targetID + ">"
		}
		return m
	})
	content = roleMentionRe.ReplaceAllStringFunc(content, func(m string) string {
		sourceID := roleMentionRe.FindStringSubmatch(m)[1]
		if targetID, ok := r.ids.Resolve(identity.Role, sourceID); ok {
			return "<@&" + targetID + ">"
		}
		return m
	})
	content = messageLinkRe.ReplaceAllStringFunc(content, func(m string) string {
		parts := messageLinkRe.FindStringSubmatch(m)
		targetChannelID, ok := r.ids.Resolve(identity.Channel, parts[2])
		if !ok {
			return m
		}
		return "https://discord.com/channels/" + r.targetGuildID + "/" + targetChannelID + parts[3]
	})
	return content
}

// quote renders the message a relayed message replies to as a quoted block.
func quote(ref *platform.Message) string {
	content := ref.Content
	if content == "" && len(ref.Attachments) > 0 {
		content = ref.Attachments[0].URL
	}
	if len(content) > 200 {
		content = truncateRunes(content, 200) + "…"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "> %s at %s said:\n", ref.Author.DisplayName, ref.Timestamp.Format(timestampLayout))
	for _, line := range strings.Split(content, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// flattenPoll renders a poll as plain text, with result counts once the
// poll has finished.
func flattenPoll(p *platform.Poll) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 **%s**\n", p.Question)
	for _, answer := range p.Answers {
		b.WriteString("- ")
		if answer.Emoji != "" {
			b.WriteString(answer.Emoji)
			b.WriteByte(' ')
		}
		b.WriteString(answer.Text)
		if p.Finished {
			fmt.Fprintf(&b, " (%d votes)", answer.Count)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (r *renderer) stickerNote(item platform.StickerItem) string {
	if _, ok := r.ids.Resolve(identity.Sticker, item.ID); ok {
		return fmt.Sprintf("[sticker: %s]", item.Name)
	}
	if _, ok := r.stickerNames[item.Name]; ok {
		return fmt.Sprintf("[sticker: %s]", item.Name)
	}
	return fmt.Sprintf("[sticker: %s (unavailable here)]", item.Name)
}

// username renders the relay display name carrying the original author and
// send time, clamped to the platform's length cap.
func username(msg *platform.Message) string {
	name := msg.Author.DisplayName
	if name == "" {
		name = "unknown"
	}
	stamped := name + " at " + msg.Timestamp.Format(timestampLayout)
	if len(stamped) > maxUsernameLen {
		start := len(stamped) - maxUsernameLen
		// keep the tail, cutting forward to a rune boundary
		for start < len(stamped) && !utf8.RuneStart(stamped[start]) {
			start++
		}
		return stamped[start:]
	}
	return stamped
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// render produces the ordered webhook payloads for one source message.
// Oversized content is split into chunks; the caller chains chunks after the
// first as replies to the first relayed message. An empty slice means the
// message carries nothing relayable.
func (r *renderer) render(msg *platform.Message) []platform.WebhookMessage {
	if msg.Empty() {
		return nil
	}

	var sections []string
	if msg.Referenced != nil {
		sections = append(sections, quote(msg.Referenced))
	}
	for _, att := range msg.Attachments {
		sections = append(sections, att.URL)
	}
	if msg.Content != "" {
		sections = append(sections, r.rewrite(msg.Content))
	}
	if msg.Poll != nil {
		sections = append(sections, flattenPoll(msg.Poll))
	}
	for _, st := range msg.Stickers {
		sections = append(sections, r.stickerNote(st))
	}
	content := strings.Join(sections, "\n")

	name := username(msg)
	avatar := msg.Author.AvatarURL
	if content == "" && len(msg.Embeds) > 0 {
		return []platform.WebhookMessage{{
			Username:  name,
			AvatarURL: avatar,
			Embeds:    msg.Embeds,
		}}
	}

	chunks := misc.ChunkString(content, maxMessageLen)
	out := make([]platform.WebhookMessage, 0, len(chunks))
	for i, chunk := range chunks {
		wm := platform.WebhookMessage{
			Content:   chunk,
			Username:  name,
			AvatarURL: avatar,
		}
		if i == len(chunks)-1 {
			// embeds ride on the final chunk so they appear after the text
			wm.Embeds = msg.Embeds
		}
		out = append(out, wm)
	}
	return out
}
