package state

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/dyadlabs/replica/identity"
)

// legacyKinds maps the section names of the pre-rewrite state files to
// identity kinds.
var legacyKinds = map[string]identity.Kind{
	"roles":      identity.Role,
	"categories": identity.Category,
	"channels":   identity.Channel,
	"emojis":     identity.Emoji,
	"stickers":   identity.Sticker,
}

// ImportLegacy merges the old bot's config.json / state.json layout into the
// store. The legacy files are loosely typed: delays are float seconds, IDs
// appear as strings, numbers or nested objects with an "id" field. Either
// path may be empty to skip that file.
func (s *Store) ImportLegacy(configPath, statePath string) error {
	if configPath != "" {
		if err := s.importLegacyConfig(configPath); err != nil {
			return err
		}
	}
	if statePath != "" {
		if err := s.importLegacyState(statePath); err != nil {
			return err
		}
	}
	return s.Save()
}

func (s *Store) importLegacyConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading legacy config: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("legacy config %s is not valid JSON", path)
	}
	doc := gjson.ParseBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if v := doc.Get("webhook_delay"); v.Exists() {
		s.cfg.WebhookDelay = time.Duration(cast.ToFloat64(v.Value()) * float64(time.Second))
	}
	if v := doc.Get("process_delay"); v.Exists() {
		s.cfg.ProcessDelay = time.Duration(cast.ToFloat64(v.Value()) * float64(time.Second))
	}
	if v := doc.Get("admin_user_id"); v.Exists() {
		s.cfg.AdminUserID = cast.ToString(v.Value())
	}
	if v := doc.Get("source_guild_id"); v.Exists() {
		s.cfg.SourceGuildID = cast.ToString(v.Value())
	}
	if v := doc.Get("target_guild_id"); v.Exists() {
		s.cfg.TargetGuildID = cast.ToString(v.Value())
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("legacy config: %w", err)
	}
	s.log.Infon("imported legacy config", logger.NewStringField("path", path))
	return nil
}

func (s *Store) importLegacyState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading legacy state: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("legacy state %s is not valid JSON", path)
	}

	var imported int64
	for section, kind := range legacyKinds {
		var ferr error
		gjson.GetBytes(data, section).ForEach(func(src, tgt gjson.Result) bool {
			targetID := legacyID(tgt)
			if targetID == "" {
				return true
			}
			if err := s.ids.Record(kind, src.String(), targetID); err != nil {
				ferr = err
				return false
			}
			imported++
			return true
		})
		if ferr != nil {
			return fmt.Errorf("importing legacy %s mappings: %w", section, ferr)
		}
	}
	s.log.Infon("imported legacy state",
		logger.NewStringField("path", path),
		logger.NewIntField("entries", imported),
	)
	return nil
}

// legacyID extracts a target ID from a legacy mapping value, which may be a
// bare scalar or a serialized entity carrying an "id" field.
func legacyID(v gjson.Result) string {
	if v.IsObject() {
		return cast.ToString(v.Get("id").Value())
	}
	return cast.ToString(v.Value())
}
