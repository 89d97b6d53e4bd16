package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lens/pkg/admission"
	"lens/pkg/document"
	"lens/pkg/identity"
	"lens/pkg/store"
)

func openTestLog(t *testing.T) (*OpLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ops.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func signedPut(t *testing.T, storeName, id string, clock uint64) *document.Operation {
	t.Helper()
	k, err := identity.KeypairFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	op, err := document.NewPut(storeName, "note", id, map[string]string{"text": id})
	require.NoError(t, err)
	op.Clock = clock
	op.Sign(k)
	return op
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.db")
	for i := 0; i < 3; i++ {
		l, err := Open(path)
		require.NoError(t, err, "open %d", i)
		require.NoError(t, l.Close())
	}

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	var version int
	require.NoError(t, l.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var mode string
	require.NoError(t, l.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestAppendAndLoad(t *testing.T) {
	l, _ := openTestLog(t)

	a1 := signedPut(t, "a", "x", 1)
	b1 := signedPut(t, "b", "y", 2)
	a2 := signedPut(t, "a", "z", 3)
	// Same signer and clock as a2, written through another replica.
	a3 := signedPut(t, "a", "w", 3)
	for _, op := range []*document.Operation{a1, b1, a2, a3} {
		require.NoError(t, l.Append(op))
	}
	// Duplicate appends are ignored.
	require.NoError(t, l.Append(a1))

	ops, err := l.Load("a")
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, a1.Hash(), ops[0].Hash())
	assert.Equal(t, a2.Hash(), ops[1].Hash())
	assert.Equal(t, a3.Hash(), ops[2].Hash())
	assert.True(t, ops[1].VerifySignature())

	counts, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 3, "b": 1}, counts)

	missing, err := l.Load("nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.db")
	k, err := identity.KeypairFromSeed(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	allow := admission.PolicyFunc(func(*document.Operation, admission.Index) admission.Result {
		return admission.Permit()
	})

	l1, err := Open(path)
	require.NoError(t, err)
	s1, err := store.New(store.Config{Name: "notes", Policy: allow, Log: l1})
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, k, "note", "n1", map[string]string{"text": "one"}))
	require.NoError(t, s1.Put(ctx, k, "note", "n2", map[string]string{"text": "two"}))
	require.NoError(t, s1.Delete(ctx, k, "n1"))
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	s2, err := store.New(store.Config{Name: "notes", Policy: allow, Log: l2})
	require.NoError(t, err)
	require.NoError(t, s2.Replay())

	assert.Equal(t, 1, s2.Len())
	assert.Equal(t, s1.Summary(), s2.Summary())
	head, err := s2.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Head{Clock: 3}, head)
}
