// Package identity tracks the source→target identifier mapping that every
// replication stage reads before creating entities and writes after.
package identity

import (
	"fmt"
	"sync"
)

// Kind is the category of a replicated entity.
type Kind string

const (
	Role     Kind = "role"
	Category Kind = "category"
	Channel  Kind = "channel"
	Emoji    Kind = "emoji"
	Sticker  Kind = "sticker"
	Webhook  Kind = "webhook"
	Tag      Kind = "tag"
)

// Kinds lists all entity kinds, in persistence order.
var Kinds = []Kind{Role, Category, Channel, Emoji, Sticker, Webhook, Tag}

// ConflictError reports an attempt to record a second, different target ID
// for an already-mapped source entity. It indicates a double-creation bug and
// aborts the running operation.
type ConflictError struct {
	Kind     Kind
	SourceID string
	Existing string
	Proposed string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict for %s %s: already mapped to %s, refusing %s",
		e.Kind, e.SourceID, e.Existing, e.Proposed)
}

// DependencyError reports that a required target-side identity is missing.
// The owning task is skipped and reported, not retried.
type DependencyError struct {
	Kind     Kind
	SourceID string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("no target identity recorded for %s %s", e.Kind, e.SourceID)
}

// Map is the bidirectional-by-construction source→target identity table.
// Safe for concurrent use; Record is the only mutator.
type Map struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]string
}

func NewMap() *Map {
	return &Map{entries: make(map[Kind]map[string]string)}
}

// Resolve returns the target ID recorded for (kind, sourceID).
func (m *Map) Resolve(kind Kind, sourceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targetID, ok := m.entries[kind][sourceID]
	return targetID, ok
}

// MustResolve is Resolve with a DependencyError instead of a bool.
func (m *Map) MustResolve(kind Kind, sourceID string) (string, error) {
	if targetID, ok := m.Resolve(kind, sourceID); ok {
		return targetID, nil
	}
	return "", &DependencyError{Kind: kind, SourceID: sourceID}
}

// Record maps (kind, sourceID) to targetID. Recording the same pair again is
// a no-op; recording a different target for an existing pair is a
// ConflictError.
func (m *Map) Record(kind Kind, sourceID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind, ok := m.entries[kind]
	if !ok {
		byKind = make(map[string]string)
		m.entries[kind] = byKind
	}
	if existing, ok := byKind[sourceID]; ok {
		if existing == targetID {
			return nil
		}
		return &ConflictError{Kind: kind, SourceID: sourceID, Existing: existing, Proposed: targetID}
	}
	byKind[sourceID] = targetID
	return nil
}

// Len returns the number of recorded entries for a kind.
func (m *Map) Len(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[kind])
}

// Snapshot returns a deep copy of the map, suitable for persistence.
func (m *Map) Snapshot() map[Kind]map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Kind]map[string]string, len(m.entries))
	for kind, byKind := range m.entries {
		cp := make(map[string]string, len(byKind))
		for src, tgt := range byKind {
			cp[src] = tgt
		}
		out[kind] = cp
	}
	return out
}

// Restore replaces the map's contents with a previously snapshotted state.
func (m *Map) Restore(snapshot map[Kind]map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[Kind]map[string]string, len(snapshot))
	for kind, byKind := range snapshot {
		cp := make(map[string]string, len(byKind))
		for src, tgt := range byKind {
			cp[src] = tgt
		}
		m.entries[kind] = cp
	}
}
