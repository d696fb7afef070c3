package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournal_AppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	key := []byte("test-key-123")

	j, err := Open(path, key)
	require.NoError(t, err)
	defer j.Close()

	hash1, err := j.Append(EventDelegate, "task-123", "client:smart", "worker:code", map[string]any{"action": "test"})
	require.NoError(t, err)

	hash2, err := j.Append(EventNotify, "task-123", "worker:code", "client:smart", map[string]any{"status": "completed"})
	require.NoError(t, err)

	require.NotEqual(t, hash1, hash2)
	require.Equal(t, uint64(2), j.CurrentSeq())

	ok, err := Verify(path, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJournal_TamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	key := []byte("test-key-123")

	j, err := Open(path, key)
	require.NoError(t, err)
	_, err = j.Append(EventDelegate, "task-123", "client:smart", "worker:code", map[string]any{"action": "test"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"hash":"invalid"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ok, err := Verify(path, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJournal_RecoversSeqAndHashAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	key := []byte("test-key-123")

	j, err := Open(path, key)
	require.NoError(t, err)
	hash1, err := j.Append(EventDelegate, "m1", "a", "b", nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open(path, key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), j2.CurrentSeq())
	require.Equal(t, hash1, j2.LastHash())

	hash2, err := j2.Append(EventAck, "m2", "b", "a", nil)
	require.NoError(t, err)
	require.NotEqual(t, hash1, hash2)
	require.NoError(t, j2.Close())
}

func TestJournal_TolerantOfMalformedTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	key := []byte("test-key-123")

	j, err := Open(path, key)
	require.NoError(t, err)
	_, err = j.Append(EventDelegate, "m1", "a", "b", nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path, key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), j2.CurrentSeq())
	require.NoError(t, j2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "not valid json")
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := canonicalJSON(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestJournal_EmptyMetaChainsConsistently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	key := []byte("key")
	j, err := Open(path, key)
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Append(EventAck, "m1", "a", "b", nil)
	require.NoError(t, err)

	ok, err := Verify(path, key)
	require.NoError(t, err)
	require.True(t, ok)
}
