package identity_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dyadlabs/replica/identity"
)

func TestMapResolveRecord(t *testing.T) {
	m := identity.NewMap()

	_, ok := m.Resolve(identity.Role, "100")
	require.False(t, ok)

	require.NoError(t, m.Record(identity.Role, "100", "200"))
	targetID, ok := m.Resolve(identity.Role, "100")
	require.True(t, ok)
	require.Equal(t, "200", targetID)

	// same kind+source with the same target is idempotent
	require.NoError(t, m.Record(identity.Role, "100", "200"))
	require.Equal(t, 1, m.Len(identity.Role))

	// kinds are independent namespaces
	require.NoError(t, m.Record(identity.Channel, "100", "300"))
	targetID, ok = m.Resolve(identity.Channel, "100")
	require.True(t, ok)
	require.Equal(t, "300", targetID)
}

func TestMapRecordConflict(t *testing.T) {
	m := identity.NewMap()
	require.NoError(t, m.Record(identity.Emoji, "1", "2"))

	err := m.Record(identity.Emoji, "1", "3")
	var conflict *identity.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, identity.Emoji, conflict.Kind)
	require.Equal(t, "2", conflict.Existing)
	require.Equal(t, "3", conflict.Proposed)

	// the original mapping survives
	targetID, ok := m.Resolve(identity.Emoji, "1")
	require.True(t, ok)
	require.Equal(t, "2", targetID)
}

func TestMapMustResolve(t *testing.T) {
	m := identity.NewMap()
	_, err := m.MustResolve(identity.Role, "missing")
	var dep *identity.DependencyError
	require.ErrorAs(t, err, &dep)
	require.Equal(t, identity.Role, dep.Kind)
	require.Equal(t, "missing", dep.SourceID)

	require.NoError(t, m.Record(identity.Role, "missing", "found"))
	targetID, err := m.MustResolve(identity.Role, "missing")
	require.NoError(t, err)
	require.Equal(t, "found", targetID)
}

func TestMapSnapshotRestore(t *testing.T) {
	m := identity.NewMap()
	require.NoError(t, m.Record(identity.Role, "1", "a"))
	require.NoError(t, m.Record(identity.Channel, "2", "b"))

	snapshot := m.Snapshot()

	// mutating the snapshot must not leak into the map
	snapshot[identity.Role]["1"] = "tampered"
	targetID, _ := m.Resolve(identity.Role, "1")
	require.Equal(t, "a", targetID)

	restored := identity.NewMap()
	restored.Restore(m.Snapshot())
	targetID, ok := restored.Resolve(identity.Channel, "2")
	require.True(t, ok)
	require.Equal(t, "b", targetID)
}

func TestMapConcurrentRecord(t *testing.T) {
	m := identity.NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf("src-%d", i)
			require.NoError(t, m.Record(identity.Channel, src, "tgt-"+src))
			_, _ = m.Resolve(identity.Channel, src)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 50, m.Len(identity.Channel))
}

func TestErrorsAreDistinguishable(t *testing.T) {
	conflict := &identity.ConflictError{Kind: identity.Role, SourceID: "1", Existing: "2", Proposed: "3"}
	dep := &identity.DependencyError{Kind: identity.Role, SourceID: "1"}

	var asConflict *identity.ConflictError
	require.False(t, errors.As(error(dep), &asConflict))
	require.Contains(t, conflict.Error(), "identity conflict")
	require.Contains(t, dep.Error(), "no target identity")
}
