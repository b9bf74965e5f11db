package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), maxBytes, nil)
	require.NoError(t, err)
	return s
}

func TestOpenAppendAndTail(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	log, err := s.Open("jobs", "run-1")
	require.NoError(t, err)

	log.Append("first", "second", "third")
	require.NoError(t, log.Close())

	lines, truncated, err := s.Tail(log.Path(), 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []string{"first", "second", "third"}, lines)

	lines, truncated, err = s.Tail(log.Path(), 2)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, []string{"second", "third"}, lines)
}

func TestCapDropsOldestLines(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 64)
	log, err := s.Open("jobs", "run-1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		log.Append(fmt.Sprintf("line %02d padded out a bit", i))
	}
	require.NoError(t, log.Close())

	lines, _, err := s.Tail(log.Path(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Equal(t, truncationMarker, lines[0])
	assert.Equal(t, "line 19 padded out a bit", lines[len(lines)-1])
}

func TestAppendAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	log, err := s.Open("jobs", "run-1")
	require.NoError(t, err)

	log.Append("kept")
	require.NoError(t, log.Close())
	log.Append("dropped")
	require.NoError(t, log.Close())

	lines, _, err := s.Tail(log.Path(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, lines)
}

func TestTailRejectsPathOutsideRoot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	outside := filepath.Join(t.TempDir(), "secret.log")
	require.NoError(t, os.WriteFile(outside, []byte("nope\n"), 0o600))

	_, _, err := s.Tail(outside, 0)
	require.Error(t, err)
}

func TestSanitizeScopesAndIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	log, err := s.Open("../escape", "a/b c")
	require.NoError(t, err)
	log.Append("x")
	require.NoError(t, log.Close())

	rel, err := filepath.Rel(s.Root(), log.Path())
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")

	lines, _, err := s.Tail(log.Path(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, lines)
}

func TestClearRemovesAllScopes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	for _, scope := range []string{"jobs", "pipeline"} {
		log, err := s.Open(scope, "run-1")
		require.NoError(t, err)
		log.Append("x")
		require.NoError(t, log.Close())
	}

	cleared, err := s.Clear()
	require.NoError(t, err)
	assert.Len(t, cleared, 2)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Clearing an already empty root is a no-op.
	cleared, err = s.Clear()
	require.NoError(t, err)
	assert.Empty(t, cleared)
}
