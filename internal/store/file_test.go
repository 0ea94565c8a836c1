// ABOUTME: Tests for FileStore specifics beyond the shared contract
// ABOUTME: Covers on-disk format, crash recovery of partial records and reopen behavior

package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "chats")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	return s, dir
}

func TestFileStore_OneHumanReadableLinePerMessage(t *testing.T) {
	s, dir := newTestFileStore(t)
	ctx := t.Context()
	key := KeyFor("alice", "bob")

	_, err := s.Append(ctx, key, "alice", "hi\nthere")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, fileNameFor(key)))
	require.NoError(t, err)

	assert.Equal(t, "alice\thi\\nthere\n", string(data))

	_, err = s.Append(ctx, key, "bob", "tab\there")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, fileNameFor(key)))
	require.NoError(t, err)
	assert.Equal(t, "alice\thi\\nthere\nbob\ttab\\there\n", string(data))

	msgs, err := s.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi\nthere", msgs[0].Body)
	assert.Equal(t, "tab\there", msgs[1].Body)
	assert.True(t, msgs[1].CreatedAt.IsZero())
}

// closeFails is a real file whose Close reports an error after closing.
type closeFails struct {
	*os.File
}

func (f closeFails) Close() error {
	_ = f.File.Close()
	return errors.New("close failed")
}

func TestFileStore_CloseErrorAfterSyncStillCounts(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := t.Context()
	key := KeyFor("a", "b")

	s.openAppend = func(path string) (appendFile, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		return closeFails{f}, nil
	}

	first, err := s.Append(ctx, key, "a", "one")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)

	second, err := s.Append(ctx, key, "b", "two")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)

	msgs, err := s.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.Seq, msgs[0].Seq)
	assert.Equal(t, second.Seq, msgs[1].Seq)
}

func TestFileStore_ReopenContinuesSequence(t *testing.T) {
	s, dir := newTestFileStore(t)
	ctx := t.Context()
	key := KeyFor("a", "b")

	_, err := s.Append(ctx, key, "a", "one")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	msg, err := s2.Append(ctx, key, "b", "two")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)
}

func TestFileStore_TruncatesPartialTrailingRecord(t *testing.T) {
	s, dir := newTestFileStore(t)
	ctx := t.Context()
	key := KeyFor("a", "b")

	_, err := s.Append(ctx, key, "a", "complete")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash midway through the next write.
	path := filepath.Join(dir, fileNameFor(key))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("b\thalf a mess")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := NewFileStore(dir)
	require.NoError(t, err)

	msgs, err := s2.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "complete", msgs[0].Body)

	msg, err := s2.Append(ctx, key, "b", "after crash")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)

	msgs, err = s2.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "after crash", msgs[1].Body)
}

func TestFileStore_ClosedRejectsAppends(t *testing.T) {
	s, _ := newTestFileStore(t)
	require.NoError(t, s.Close())

	_, err := s.Append(t.Context(), KeyFor("a", "b"), "a", "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_UnwritableDirectoryReturnsError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	s, dir := newTestFileStore(t)
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0700) })

	_, err := s.Append(t.Context(), KeyFor("a", "b"), "a", "nope")
	assert.Error(t, err)
}

func TestFileStore_LongKeysUseHashedNames(t *testing.T) {
	long := strings.Repeat("x", 300)
	name := fileNameFor(KeyFor(long, "y"))
	assert.LessOrEqual(t, len(name), maxFileNameLen+len(".log"))
	assert.NotEqual(t, name, fileNameFor(KeyFor(long, "z")))
}

func TestEscapeField_RoundTrip(t *testing.T) {
	cases := []string{"", "plain", `back\slash`, "tab\there", "nl\nhere", "cr\rhere", `\n literal`, `trailing\`}
	for _, c := range cases {
		escaped := escapeField(c)
		assert.NotContains(t, escaped, "\t")
		assert.NotContains(t, escaped, "\n")
		assert.Equal(t, c, unescapeField(escaped), "case %q", c)
	}
}
