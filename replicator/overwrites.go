package replicator

import (
	"github.com/dyadlabs/replica/identity"
	"github.com/dyadlabs/replica/platform"
)

// translateOverwrites rewrites permission overwrites so role targets carry
// target-side role IDs. Member overwrites pass through unchanged since user
// IDs are global to the platform. A role overwrite whose role has no target
// identity yet yields a DependencyError, failing the owning task only.
func translateOverwrites(ids *identity.Map, overwrites []platform.PermissionOverwrite) ([]platform.PermissionOverwrite, error) {
	if len(overwrites) == 0 {
		return nil, nil
	}
	out := make([]platform.PermissionOverwrite, 0, len(overwrites))
	for _, ow := range overwrites {
		if ow.Type == platform.OverwriteRole {
			targetID, err := ids.MustResolve(identity.Role, ow.ID)
			if err != nil {
				return nil, err
			}
			ow.ID = targetID
		}
		out = append(out, ow)
	}
	return out, nil
}

// translateForumTags rewrites forum tag custom emojis through the emoji
// mapping. Tags whose emoji has not been cloned keep their name-only emoji so
// the tag itself still exists on the target.
func translateForumTags(ids *identity.Map, tags []platform.ForumTag) []platform.ForumTag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]platform.ForumTag, 0, len(tags))
	for _, tag := range tags {
		tag.ID = "" // target assigns its own tag IDs
		if tag.EmojiID != "" {
			if targetEmojiID, ok := ids.Resolve(identity.Emoji, tag.EmojiID); ok {
				tag.EmojiID = targetEmojiID
			} else {
				tag.EmojiID = ""
			}
		}
		out = append(out, tag)
	}
	return out
}
