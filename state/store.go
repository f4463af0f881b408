// Package state persists the replication engine's durable state: the
// identity map, engine configuration and migration cursors. The snapshot is
// a single JSON document, rewritten atomically after every mutating step so
// a crash loses at most the in-flight operation.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/dyadlabs/replica/identity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const snapshotVersion = 2

const (
	minDelay = 100 * time.Millisecond
	maxDelay = 5 * time.Second
)

// ErrInvalidDelay is returned when a configured delay falls outside
// [100ms, 5s].
var ErrInvalidDelay = errors.New("delay must be between 100ms and 5s")

// EngineConfig is the engine's persisted configuration.
type EngineConfig struct {
	WebhookDelay  time.Duration
	ProcessDelay  time.Duration
	AdminUserID   string
	SourceGuildID string
	TargetGuildID string
}

// Validate checks the delay bounds.
func (c EngineConfig) Validate() error {
	for _, d := range []time.Duration{c.WebhookDelay, c.ProcessDelay} {
		if d < minDelay || d > maxDelay {
			return fmt.Errorf("%w: got %s", ErrInvalidDelay, d)
		}
	}
	return nil
}

type engineConfigDoc struct {
	WebhookDelayMS int64  `json:"webhook_delay_ms"`
	ProcessDelayMS int64  `json:"process_delay_ms"`
	AdminUserID    string `json:"admin_user_id,omitempty"`
	SourceGuildID  string `json:"source_guild_id,omitempty"`
	TargetGuildID  string `json:"target_guild_id,omitempty"`
}

// MigrationCursor tracks progress through one channel migration.
type MigrationCursor struct {
	OriginChannelID       string `json:"origin_channel_id"`
	TargetGuildID         string `json:"target_guild_id"`
	TargetChannelID       string `json:"target_channel_id"`
	LastMigratedMessageID string `json:"last_migrated_message_id,omitempty"`
}

func (c MigrationCursor) key() string {
	return c.OriginChannelID + ":" + c.TargetGuildID + ":" + c.TargetChannelID
}

// Store is the durable snapshot. All mutators persist synchronously before
// returning, giving read-your-writes consistency to dependent tasks.
type Store struct {
	mu   sync.Mutex
	path string
	log  logger.Logger

	raw     []byte // last document as read/written, unknown fields included
	ids     *identity.Map
	cfg     EngineConfig
	cursors map[string]MigrationCursor
}

// Open loads the snapshot at path, or initializes an empty one if the file
// does not exist. Defaults for delays come from Replica.webhookDelay and
// Replica.processDelay.
func Open(path string, conf *config.Config, log logger.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		log:     log.Child("state"),
		ids:     identity.NewMap(),
		cursors: make(map[string]MigrationCursor),
		cfg: EngineConfig{
			WebhookDelay: conf.GetDuration("Replica.webhookDelay", 200, time.Millisecond),
			ProcessDelay: conf.GetDuration("Replica.processDelay", 200, time.Millisecond),
		},
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warnn("state file not found, starting empty", logger.NewStringField("path", path))
		s.raw = []byte(fmt.Sprintf(`{"version":%d}`, snapshotVersion))
		return s, s.cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("state file %s is not valid JSON", path)
	}
	s.raw = data

	if cfg := gjson.GetBytes(data, "config"); cfg.Exists() {
		var doc engineConfigDoc
		if err := json.Unmarshal([]byte(cfg.Raw), &doc); err != nil {
			return nil, fmt.Errorf("decoding engine config: %w", err)
		}
		if doc.WebhookDelayMS > 0 {
			s.cfg.WebhookDelay = time.Duration(doc.WebhookDelayMS) * time.Millisecond
		}
		if doc.ProcessDelayMS > 0 {
			s.cfg.ProcessDelay = time.Duration(doc.ProcessDelayMS) * time.Millisecond
		}
		s.cfg.AdminUserID = doc.AdminUserID
		s.cfg.SourceGuildID = doc.SourceGuildID
		s.cfg.TargetGuildID = doc.TargetGuildID
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	snapshot := make(map[identity.Kind]map[string]string)
	gjson.GetBytes(data, "identity").ForEach(func(kind, entries gjson.Result) bool {
		byKind := make(map[string]string)
		entries.ForEach(func(src, tgt gjson.Result) bool {
			byKind[src.String()] = tgt.String()
			return true
		})
		snapshot[identity.Kind(kind.String())] = byKind
		return true
	})
	s.ids.Restore(snapshot)

	if cursors := gjson.GetBytes(data, "cursors"); cursors.Exists() {
		if err := json.Unmarshal([]byte(cursors.Raw), &s.cursors); err != nil {
			return nil, fmt.Errorf("decoding migration cursors: %w", err)
		}
	}
	s.log.Infon("state loaded",
		logger.NewStringField("path", path),
		logger.NewIntField("identityEntries", int64(totalEntries(snapshot))),
		logger.NewIntField("cursors", int64(len(s.cursors))),
	)
	return s, nil
}

func totalEntries(snapshot map[identity.Kind]map[string]string) int {
	var n int
	for _, byKind := range snapshot {
		n += len(byKind)
	}
	return n
}

// Identity returns the store-owned identity map. Mutations must go through
// RecordIdentity so they are persisted.
func (s *Store) Identity() *identity.Map { return s.ids }

// EngineConfig returns a copy of the current configuration.
func (s *Store) EngineConfig() EngineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetEngineConfig validates and persists cfg.
func (s *Store) SetEngineConfig(cfg EngineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return s.save()
}

// RecordIdentity records a source→target mapping and persists the snapshot.
func (s *Store) RecordIdentity(kind identity.Kind, sourceID, targetID string) error {
	if err := s.ids.Record(kind, sourceID, targetID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Cursor returns the cursor for the given migration triple, zero-valued if
// the migration has never run.
func (s *Store) Cursor(originChannelID, targetGuildID, targetChannelID string) MigrationCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := MigrationCursor{
		OriginChannelID: originChannelID,
		TargetGuildID:   targetGuildID,
		TargetChannelID: targetChannelID,
	}
	if existing, ok := s.cursors[cur.key()]; ok {
		return existing
	}
	return cur
}

// AdvanceCursor moves the cursor past messageID and persists.
func (s *Store) AdvanceCursor(cur MigrationCursor, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur.LastMigratedMessageID = messageID
	s.cursors[cur.key()] = cur
	return s.save()
}

// Save persists the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// save rewrites the known sections inside the raw document, leaving unknown
// fields introduced by newer versions untouched, then writes atomically.
func (s *Store) save() error {
	doc := s.raw
	var err error
	if doc, err = sjson.SetBytes(doc, "version", snapshotVersion); err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(engineConfigDoc{
		WebhookDelayMS: s.cfg.WebhookDelay.Milliseconds(),
		ProcessDelayMS: s.cfg.ProcessDelay.Milliseconds(),
		AdminUserID:    s.cfg.AdminUserID,
		SourceGuildID:  s.cfg.SourceGuildID,
		TargetGuildID:  s.cfg.TargetGuildID,
	})
	if err != nil {
		return err
	}
	if doc, err = sjson.SetRawBytes(doc, "config", cfgJSON); err != nil {
		return err
	}
	idsJSON, err := json.Marshal(s.ids.Snapshot())
	if err != nil {
		return err
	}
	if doc, err = sjson.SetRawBytes(doc, "identity", idsJSON); err != nil {
		return err
	}
	cursorsJSON, err := json.Marshal(s.cursors)
	if err != nil {
		return err
	}
	if doc, err = sjson.SetRawBytes(doc, "cursors", cursorsJSON); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	s.raw = doc
	return nil
}
