package store

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lens/pkg/admission"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
)

type note struct {
	Text string `cbor:"text" validate:"required"`
}

type memLog struct {
	mu  sync.Mutex
	ops []*document.Operation
	err error
}

func (l *memLog) Append(op *document.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *memLog) Load(store string) ([]*document.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*document.Operation
	for _, op := range l.ops {
		if op.Store == store {
			out = append(out, op)
		}
	}
	return out, nil
}

var allowAll = admission.PolicyFunc(func(*document.Operation, admission.Index) admission.Result {
	return admission.Permit()
})

func denySigners(blocked ...identity.Identity) admission.Policy {
	return admission.PolicyFunc(func(op *document.Operation, _ admission.Index) admission.Result {
		for _, b := range blocked {
			if op.Signer == b {
				return admission.Denied(admission.ReasonRejected, "blocked")
			}
		}
		return admission.Permit()
	})
}

func key(t *testing.T, b byte) *identity.Keypair {
	t.Helper()
	k, err := identity.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return k
}

func newStore(t *testing.T, policy admission.Policy) *Store {
	t.Helper()
	s, err := New(Config{Name: "notes", Policy: policy})
	require.NoError(t, err)
	return s
}

func syncInto(t *testing.T, to, from *Store) PullStats {
	t.Helper()
	stats, err := to.PullFrom(context.Background(), from, 0)
	require.NoError(t, err)
	return stats
}

func signed(t *testing.T, signer *identity.Keypair, store, id string, clock uint64, text string) *document.Operation {
	t.Helper()
	op, err := document.NewPut(store, "note", id, note{Text: text})
	require.NoError(t, err)
	op.Clock = clock
	op.Sign(signer)
	return op
}

func textOf(t *testing.T, s *Store, id string) string {
	t.Helper()
	n, err := Lookup[note](context.Background(), s, id)
	require.NoError(t, err)
	return n.Text
}

func TestNewRequiresNameAndPolicy(t *testing.T) {
	_, err := New(Config{Policy: allowAll})
	assert.Error(t, err)
	_, err = New(Config{Name: "notes"})
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	s := newStore(t, allowAll)

	require.NoError(t, s.Put(ctx, alice, "note", "n1", note{Text: "hello"}))
	require.NoError(t, s.Put(ctx, alice, "note", "n2", note{Text: "world"}))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "hello", textOf(t, s, "n1"))

	doc, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, alice.Identity(), doc.Author)
	assert.Equal(t, "note", doc.Type)

	require.NoError(t, s.Delete(ctx, alice, "n1"))
	_, err = s.Get(ctx, "n1")
	assert.True(t, errors.Is(err, errs.NotFound))

	docs := s.Search(nil)
	require.Len(t, docs, 1)
	assert.Equal(t, "n2", docs[0].ID)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, Head{Clock: 3}, head)
}

func TestLocalRejectionIsLoud(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	mallory := key(t, 2)
	s := newStore(t, denySigners(mallory.Identity()))

	err := s.Put(ctx, mallory, "note", "n1", note{Text: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.AccessDenied))
	assert.Equal(t, 0, s.Len())

	// A rejected local write leaves no trace.
	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Clock)
	assert.Empty(t, s.Summary())

	require.NoError(t, s.Put(ctx, alice, "note", "n1", note{Text: "yes"}))
	assert.Equal(t, "yes", textOf(t, s, "n1"))
}

func TestRemoteRejectionIsSilent(t *testing.T) {
	ctx := context.Background()
	mallory := key(t, 2)
	open := newStore(t, allowAll)
	strict := newStore(t, denySigners(mallory.Identity()))

	require.NoError(t, open.Put(ctx, mallory, "note", "n1", note{Text: "spam"}))

	assert.Equal(t, PullStats{Dropped: 1}, syncInto(t, strict, open))
	_, err := strict.Get(ctx, "n1")
	assert.True(t, errors.Is(err, errs.NotFound))

	// Dropped ops are not kept, so they are neither served onward nor
	// counted as held; the next pull judges them again.
	assert.Empty(t, strict.Summary())
	downstream := newStore(t, allowAll)
	assert.Equal(t, PullStats{}, syncInto(t, downstream, strict))
	assert.Equal(t, PullStats{Dropped: 1}, syncInto(t, strict, open))

	assert.Equal(t, PullStats{Applied: 1}, syncInto(t, downstream, open))
	assert.Equal(t, "spam", textOf(t, downstream, "n1"))
}

func TestSignatureChecked(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	src := newStore(t, allowAll)
	dst := newStore(t, allowAll)
	require.NoError(t, src.Put(ctx, alice, "note", "n1", note{Text: "hello"}))

	batch, err := src.Missing(ctx, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Ops, 1)
	op := *batch.Ops[0]
	op.Signer = key(t, 3).Identity()

	assert.False(t, dst.ApplyRemote(&op))
	err = dst.Commit(ctx, &op)
	assert.True(t, errors.Is(err, errs.AccessDenied))
	assert.Equal(t, 0, dst.Len())
}

func TestEnvelopeChecks(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	s, err := New(Config{Name: "notes", Policy: allowAll, MaxClockSkew: 10})
	require.NoError(t, err)

	tests := []struct {
		name string
		op   *document.Operation
	}{
		{name: "no clock", op: signed(t, alice, "notes", "n1", 0, "x")},
		{name: "clock beyond skew", op: signed(t, alice, "notes", "n1", 11, "x")},
		{name: "wrong store", op: signed(t, alice, "other", "n1", 1, "x")},
		{name: "no id", op: signed(t, alice, "notes", "", 1, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(s.Commit(ctx, tt.op), errs.InvalidState))
			assert.False(t, s.ApplyRemote(tt.op))
		})
	}
	assert.Equal(t, 0, s.Len())

	// Within the skew is fine, and committing the same op again is a no-op.
	op := signed(t, alice, "notes", "n1", 10, "x")
	require.NoError(t, s.Commit(ctx, op))
	require.NoError(t, s.Commit(ctx, op))
	assert.Equal(t, 1, s.Summary().Operations())

	// The bound moves with the local clock.
	require.NoError(t, s.Commit(ctx, signed(t, alice, "notes", "n2", 20, "y")))
}

func TestDeniedClockCannotPoisonWriters(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	mallory := key(t, 2)
	s := newStore(t, denySigners(mallory.Identity()))

	require.NoError(t, s.Put(ctx, alice, "note", "x", note{Text: "v1"}))

	// A denied op stamped with the largest clock moves nothing.
	assert.False(t, s.ApplyRemote(signed(t, mallory, "notes", "x", math.MaxUint64, "owned")))
	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Clock)

	// An admissible one is refused by the skew bound instead.
	assert.False(t, s.ApplyRemote(signed(t, key(t, 3), "notes", "x", math.MaxUint64, "owned")))

	require.NoError(t, s.Put(ctx, alice, "note", "x", note{Text: "v2"}))
	assert.Equal(t, "v2", textOf(t, s, "x"))
}

func TestNextClock(t *testing.T) {
	next, err := NextClock(Head{Clock: 41})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next)

	_, err = NextClock(Head{Clock: math.MaxUint64})
	assert.True(t, errors.Is(err, errs.InvalidState))
}

func TestSignerWritingThroughTwoReplicas(t *testing.T) {
	ctx := context.Background()
	user := key(t, 1)
	a := newStore(t, allowAll)
	b := newStore(t, allowAll)

	// Both writes get clock 1 before the replicas have talked.
	require.NoError(t, a.Put(ctx, user, "note", "x", note{Text: "x"}))
	require.NoError(t, b.Put(ctx, user, "note", "y", note{Text: "y"}))

	for i := 0; i < 3; i++ {
		syncInto(t, a, b)
		syncInto(t, b, a)
	}

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, a.Search(nil), b.Search(nil))
	assert.Equal(t, a.Summary(), b.Summary())

	// The same id written twice at one clock resolves identically.
	require.NoError(t, a.Put(ctx, user, "note", "z", note{Text: "from a"}))
	require.NoError(t, b.Put(ctx, user, "note", "z", note{Text: "from b"}))
	syncInto(t, a, b)
	syncInto(t, b, a)
	assert.Equal(t, textOf(t, a, "z"), textOf(t, b, "z"))
	assert.Equal(t, a.Summary(), b.Summary())
}

func TestLastWriterWinsConverges(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	bob := key(t, 2)
	a := newStore(t, allowAll)
	b := newStore(t, allowAll)

	require.NoError(t, a.Put(ctx, alice, "note", "x", note{Text: "from alice"}))
	require.NoError(t, b.Put(ctx, bob, "note", "x", note{Text: "from bob"}))

	syncInto(t, a, b)
	syncInto(t, b, a)

	assert.Equal(t, textOf(t, a, "x"), textOf(t, b, "x"))
	assert.Equal(t, a.Summary(), b.Summary())
}

func TestTombstonePreventsResurrection(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	bob := key(t, 2)
	a := newStore(t, allowAll)
	b := newStore(t, allowAll)

	require.NoError(t, b.Put(ctx, bob, "note", "x", note{Text: "old"}))
	require.NoError(t, a.Put(ctx, alice, "note", "x", note{Text: "mine"}))
	require.NoError(t, a.Delete(ctx, alice, "x"))

	syncInto(t, b, a)
	syncInto(t, a, b)

	_, err := a.Get(ctx, "x")
	assert.True(t, errors.Is(err, errs.NotFound))
	_, err = b.Get(ctx, "x")
	assert.True(t, errors.Is(err, errs.NotFound))

	// A newer put after the delete is visible again.
	require.NoError(t, b.Put(ctx, bob, "note", "x", note{Text: "new"}))
	syncInto(t, a, b)
	assert.Equal(t, "new", textOf(t, a, "x"))
}

func TestDeleteOfAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	var changes []document.Change
	s.Subscribe(func(c document.Change) { changes = append(changes, c) })

	require.NoError(t, s.Delete(ctx, key(t, 1), "missing"))
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, changes)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	s := newStore(t, allowAll)
	require.NoError(t, s.Put(ctx, alice, "note", "b", note{Text: "b"}))
	require.NoError(t, s.Put(ctx, alice, "note", "a", note{Text: "a"}))

	var seen []string
	s.Subscribe(func(c document.Change) {
		label := c.Document.ID + ":" + c.Origin.String()
		if c.Deleted {
			label += ":deleted"
		}
		seen = append(seen, label)
	})

	require.NoError(t, s.Put(ctx, alice, "note", "c", note{Text: "c"}))
	require.NoError(t, s.Delete(ctx, alice, "a"))

	peer := newStore(t, allowAll)
	require.NoError(t, peer.Put(ctx, key(t, 2), "note", "d", note{Text: "d"}))
	syncInto(t, s, peer)

	assert.Equal(t, []string{
		"a:replay", "b:replay",
		"c:local",
		"a:local:deleted",
		"d:remote",
	}, seen)
}

func TestMissing(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	bob := key(t, 2)
	s := newStore(t, allowAll)

	require.NoError(t, s.Put(ctx, alice, "note", "1", note{Text: "1"}))
	require.NoError(t, s.Put(ctx, bob, "note", "2", note{Text: "2"}))
	require.NoError(t, s.Put(ctx, alice, "note", "3", note{Text: "3"}))

	all, err := s.Missing(ctx, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, all.Ops, 3)
	for i := 1; i < len(all.Ops); i++ {
		assert.Less(t, all.Ops[i-1].Clock, all.Ops[i].Clock)
	}
	assert.False(t, all.More)

	sum := s.Summary()
	require.Len(t, sum, 2)
	assert.Equal(t, 3, sum.Operations())

	// A peer with the same summary is missing nothing.
	same, err := s.Missing(ctx, sum, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, same.Ops)
	assert.Empty(t, same.Diverged)

	// A peer holding only alice's first op is told alice diverged and
	// gets bob's op outright.
	peer := newStore(t, allowAll)
	require.True(t, peer.ApplyRemote(all.Ops[0]))
	partial, err := s.Missing(ctx, peer.Summary(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []identity.Identity{alice.Identity()}, partial.Diverged)
	require.Len(t, partial.Ops, 1)
	assert.Equal(t, "2", partial.Ops[0].ID)

	// With its hashes for alice known, it gets alice's missing op.
	resolved, err := s.Missing(ctx, peer.Summary(), peer.Hashes(alice.Identity()), 0)
	require.NoError(t, err)
	assert.Empty(t, resolved.Diverged)
	require.Len(t, resolved.Ops, 2)
	assert.Equal(t, "2", resolved.Ops[0].ID)
	assert.Equal(t, "3", resolved.Ops[1].ID)

	limited, err := s.Missing(ctx, nil, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited.Ops, 2)
	assert.True(t, limited.More)

	// A pull in small batches still converges.
	stats, err := peer.PullFrom(ctx, s, 1)
	require.NoError(t, err)
	assert.Equal(t, PullStats{Applied: 2}, stats)
	assert.Equal(t, s.Summary(), peer.Summary())
}

func TestDroppedOpsDoNotStarvePull(t *testing.T) {
	ctx := context.Background()
	mallory := key(t, 2)
	alice := key(t, 1)
	open := newStore(t, allowAll)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, open.Put(ctx, mallory, "note", id, note{Text: id}))
	}
	require.NoError(t, open.Put(ctx, alice, "note", "d", note{Text: "d"}))

	strict := newStore(t, denySigners(mallory.Identity()))
	stats, err := strict.PullFrom(ctx, open, 1)
	require.NoError(t, err)
	assert.Equal(t, PullStats{Applied: 1, Dropped: 3}, stats)
	assert.Equal(t, "d", textOf(t, strict, "d"))
}

func TestMaxPayloadSize(t *testing.T) {
	s, err := New(Config{Name: "notes", Policy: allowAll, MaxPayloadSize: 16})
	require.NoError(t, err)

	err = s.Put(context.Background(), key(t, 1), "note", "n1", note{Text: "this text is far too long"})
	assert.True(t, errors.Is(err, errs.InvalidState))
	assert.Equal(t, 0, s.Len())
}

func TestSchema(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{
		Name:   "notes",
		Policy: allowAll,
		Schema: Types(map[string]func() any{"note": func() any { return new(note) }}),
	})
	require.NoError(t, err)
	alice := key(t, 1)

	require.NoError(t, s.Put(ctx, alice, "note", "n1", note{Text: "ok"}))
	assert.True(t, errors.Is(s.Put(ctx, alice, "note", "n2", note{}), errs.InvalidState))
	assert.True(t, errors.Is(s.Put(ctx, alice, "memo", "n3", note{Text: "ok"}), errs.InvalidState))
	// Deletes carry no payload and skip the schema.
	require.NoError(t, s.Delete(ctx, alice, "n1"))
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	mallory := key(t, 2)
	log := &memLog{}

	first, err := New(Config{Name: "notes", Policy: allowAll, Log: log})
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, alice, "note", "n1", note{Text: "one"}))
	require.NoError(t, first.Put(ctx, mallory, "note", "n2", note{Text: "two"}))
	require.NoError(t, first.Delete(ctx, alice, "n1"))
	require.Len(t, log.ops, 3)

	// Reopen under a stricter policy: admitted ops stay admitted.
	second, err := New(Config{Name: "notes", Policy: denySigners(mallory.Identity()), Log: log})
	require.NoError(t, err)
	var changes int
	second.Subscribe(func(document.Change) { changes++ })
	require.NoError(t, second.Replay())

	assert.Equal(t, first.Search(nil), second.Search(nil))
	assert.Equal(t, "two", textOf(t, second, "n2"))
	assert.Equal(t, 3, changes)
	assert.Equal(t, first.Summary(), second.Summary())
	head, err := second.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, Head{Clock: 3}, head)
	assert.Len(t, log.ops, 3, "replay does not append")

	// Rejected writes are never logged.
	assert.Error(t, second.Put(ctx, mallory, "note", "n3", note{Text: "three"}))
	assert.Len(t, log.ops, 3)
}

func TestLogFailureRejectsLocalWrite(t *testing.T) {
	log := &memLog{err: errors.New("disk full")}
	s, err := New(Config{Name: "notes", Policy: allowAll, Log: log})
	require.NoError(t, err)

	err = s.Put(context.Background(), key(t, 1), "note", "n1", note{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

type indirect struct{ *Store }

func TestWriteThroughCollection(t *testing.T) {
	ctx := context.Background()
	alice := key(t, 1)
	s := newStore(t, allowAll)

	// indirect hides *Store so Write takes the head-then-commit path a
	// remote collection uses.
	var col Collection = indirect{s}
	require.NoError(t, Write(ctx, col, alice, document.KindPut, "note", "n1", note{Text: "one"}))
	require.NoError(t, Write(ctx, col, alice, document.KindPut, "note", "n1", note{Text: "two"}))
	assert.Equal(t, "two", textOf(t, s, "n1"))

	require.NoError(t, Write(ctx, s, alice, document.KindDelete, "", "n1", nil))
	assert.Equal(t, 0, s.Len())

	assert.Error(t, Write(ctx, col, alice, document.Kind("merge"), "note", "n1", nil))
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	signers := []*identity.Keypair{key(t, 1), key(t, 2), key(t, 3), key(t, 4)}

	var wg sync.WaitGroup
	for i, k := range signers {
		wg.Add(1)
		go func(i int, k *identity.Keypair) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := string(rune('a'+i)) + string(rune('a'+j))
				assert.NoError(t, s.Put(ctx, k, "note", id, note{Text: id}))
			}
		}(i, k)
	}
	wg.Wait()

	assert.Equal(t, 100, s.Len())
	sum := s.Summary()
	require.Len(t, sum, len(signers))
	for _, d := range sum {
		assert.Equal(t, 25, d.Count)
	}
}
