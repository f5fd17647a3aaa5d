package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanup_StrictReverseOrder(t *testing.T) {
	l := New()
	var undone []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		l.Record(Resource{
			Kind: KindNamespace,
			Name: name,
			Undo: func() error {
				undone = append(undone, name)
				return nil
			},
		})
	}

	require.NoError(t, l.Cleanup())
	assert.Equal(t, []string{"c", "b", "a"}, undone)
	assert.Equal(t, 0, l.Len())
}

func TestCleanup_SkipsAbsentWithoutUndo(t *testing.T) {
	l := New()
	undoCalled := false
	l.Record(Resource{
		Kind:   KindVethLink,
		Name:   "d-2vKc-v0",
		Exists: func() (bool, error) { return false, nil },
		Undo: func() error {
			undoCalled = true
			return nil
		},
	})

	require.NoError(t, l.Cleanup())
	assert.False(t, undoCalled, "undo must not run for an absent resource")
}

func TestCleanup_ContinuesPastFailures(t *testing.T) {
	l := New()
	var undone []string
	l.Record(Resource{Kind: KindBridge, Name: "br0", Undo: func() error {
		undone = append(undone, "br0")
		return nil
	}})
	l.Record(Resource{Kind: KindVethLink, Name: "v0", Undo: func() error {
		return errors.New("device busy")
	}})
	l.Record(Resource{Kind: KindAddress, Name: "v1", Undo: func() error {
		undone = append(undone, "v1")
		return nil
	}})

	err := l.Cleanup()
	require.Error(t, err)

	// The failure in the middle must not stop the remaining entries.
	assert.Equal(t, []string{"v1", "br0"}, undone)

	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	require.Len(t, cleanupErr.Residuals.Errors, 1)
	var residual *ResidualError
	require.ErrorAs(t, cleanupErr.Residuals.Errors[0], &residual)
	assert.Equal(t, "v0", residual.Resource.Name)
}

func TestCleanup_ProbeErrorIsInvalidState(t *testing.T) {
	l := New()
	l.Record(Resource{
		Kind:   KindRoute,
		Name:   "default",
		Exists: func() (bool, error) { return false, errors.New("netlink: permission denied") },
		Undo:   func() error { return nil },
	})

	err := l.Cleanup()
	require.Error(t, err)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	var invalid *InvalidStateError
	require.ErrorAs(t, cleanupErr.Residuals.Errors[0], &invalid)
}

func TestCleanup_Idempotent(t *testing.T) {
	l := New()
	count := 0
	l.Record(Resource{Kind: KindCGroup, Name: "limitcpu", Undo: func() error {
		count++
		return nil
	}})

	require.NoError(t, l.Cleanup())
	require.NoError(t, l.Cleanup())
	assert.Equal(t, 1, count, "second cleanup must have no side effects")
}

func TestCleanup_IdempotentAfterFailure(t *testing.T) {
	l := New()
	l.Record(Resource{Kind: KindVethLink, Name: "v0", Undo: func() error {
		return errors.New("busy")
	}})

	require.Error(t, l.Cleanup())
	// The residual was reported once; a second pass reports nothing new.
	require.NoError(t, l.Cleanup())
}

func TestEntries_CopyInRecordingOrder(t *testing.T) {
	l := New()
	l.Record(Resource{Kind: KindNamespace, Name: "n0", Undo: func() error { return nil }})
	l.Record(Resource{Kind: KindBridge, Name: "b0", Undo: func() error { return nil }})

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "n0", entries[0].Name)
	assert.Equal(t, "b0", entries[1].Name)

	// Mutating the copy must not affect the ledger.
	entries[0].Name = "mutated"
	assert.Equal(t, "n0", l.Entries()[0].Name)
}

func TestResourceString(t *testing.T) {
	r := Resource{Kind: KindVethLink, Name: "d-2vKc-v0", Peer: "d-2vKc-v1", Detail: "host side"}
	s := r.String()
	assert.Contains(t, s, "veth")
	assert.Contains(t, s, "d-2vKc-v0")
	assert.Contains(t, s, "d-2vKc-v1")
}
