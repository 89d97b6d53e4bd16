// Package store is the document store facade: a replicated collection of
// signed documents whose every mutation, local or replicated, passes an
// admission policy before it becomes visible.
package store

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lens/pkg/admission"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
)

// Log persists admitted operations in arrival order.
type Log interface {
	Append(op *document.Operation) error
	Load(store string) ([]*document.Operation, error)
}

// Schema validates a put payload before admission.
type Schema func(op *document.Operation) error

// Observer receives every visible change, synchronously and in merge
// order. Observers run with the store lock held and must not call back
// into the store.
type Observer func(document.Change)

// Head is what a writer needs to build its next operation.
type Head struct {
	// Clock is the replica's Lamport clock; the next op uses Clock+1.
	Clock uint64 `cbor:"clock" json:"clock"`
}

// DefaultMaxClockSkew bounds how far ahead of the local clock an incoming
// operation may be stamped.
const DefaultMaxClockSkew = 1 << 20

// Config configures a Store.
type Config struct {
	Name           string
	Policy         admission.Policy
	Schema         Schema
	Log            Log
	Logger         *zap.Logger
	Metrics        *admission.Metrics
	MaxPayloadSize int64
	// MaxClockSkew defaults to DefaultMaxClockSkew.
	MaxClockSkew uint64
}

type entry struct {
	doc     document.Document
	deleted bool
	clock   uint64
	signer  identity.Identity
	hash    string
}

// Store holds the visible state of one named collection.
type Store struct {
	name      string
	policy    admission.Policy
	schema    Schema
	log       Log
	logger    *zap.Logger
	metrics   *admission.Metrics
	maxSize   int64
	maxSkew   uint64
	mu        sync.RWMutex
	entries   map[string]*entry
	written   map[string]struct{} // ids any admitted put targeted
	clock     uint64
	ops       map[string]*document.Operation // admitted, by hash
	signers   map[identity.Identity]*signerLog
	observers []Observer
}

// New creates an empty store. Call Replay after subscribing observers to
// restore persisted state.
func New(cfg Config) (*Store, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("store %s: admission policy is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skew := cfg.MaxClockSkew
	if skew == 0 {
		skew = DefaultMaxClockSkew
	}
	return &Store{
		name:    cfg.Name,
		policy:  cfg.Policy,
		schema:  cfg.Schema,
		log:     cfg.Log,
		logger:  logger.With(zap.String("store", cfg.Name)),
		metrics: cfg.Metrics,
		maxSize: cfg.MaxPayloadSize,
		maxSkew: skew,
		entries: make(map[string]*entry),
		written: make(map[string]struct{}),
		ops:     make(map[string]*document.Operation),
		signers: make(map[identity.Identity]*signerLog),
	}, nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Replay re-applies the persisted log in arrival order. Only admitted
// operations are logged and their verdict stands: policies are not run
// again, so a later change to the role store cannot retract what was
// accepted at commit time. Observers subscribed beforehand see the same
// sequence of changes the live replica saw.
func (s *Store) Replay() error {
	if s.log == nil {
		return nil
	}
	ops, err := s.log.Load(s.name)
	if err != nil {
		return fmt.Errorf("loading %s log: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for _, op := range ops {
		if err := s.replay(op); err != nil {
			s.logger.Warn("Skipping logged operation", zap.Stringer("op", op), zap.Error(err))
			continue
		}
		applied++
	}
	s.logger.Info("Replayed operation log",
		zap.Int("operations", len(ops)),
		zap.Int("applied", applied),
		zap.Int("documents", s.lenLocked()))
	return nil
}

func (s *Store) replay(op *document.Operation) error {
	if err := s.checkEnvelope(op, document.OriginReplay); err != nil {
		return err
	}
	hash := op.Hash()
	if _, dup := s.ops[hash]; dup {
		return nil
	}
	s.index(op, hash)
	s.apply(op, hash, document.OriginReplay)
	return nil
}

// Subscribe delivers the current visible documents to obs, in id order,
// and then every subsequent change.
func (s *Store) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDs() {
		if e := s.entries[id]; !e.deleted {
			obs(document.Change{Document: e.doc, Origin: document.OriginReplay})
		}
	}
	s.observers = append(s.observers, obs)
}

// Put signs and commits a put of record at id.
func (s *Store) Put(ctx context.Context, signer identity.Signer, docType, id string, record any) error {
	op, err := document.NewPut(s.name, docType, id, record)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidState, err, "encoding record")
	}
	return s.signAndCommit(signer, op)
}

// Delete signs and commits a delete of id.
func (s *Store) Delete(ctx context.Context, signer identity.Signer, id string) error {
	return s.signAndCommit(signer, document.NewDelete(s.name, id))
}

func (s *Store) signAndCommit(signer identity.Signer, op *document.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := NextClock(Head{Clock: s.clock})
	if err != nil {
		return err
	}
	op.Clock = next
	op.Sign(signer)
	return s.merge(op, document.OriginLocal)
}

// NextClock returns the clock for an operation written after head.
func NextClock(head Head) (uint64, error) {
	if head.Clock == math.MaxUint64 {
		return 0, errs.New(errs.CodeInvalidState, "clock exhausted")
	}
	return head.Clock + 1, nil
}

// Commit merges an operation signed elsewhere by a local caller, such as
// a CLI talking to this replica. Failures are returned; committing an
// operation the store already holds succeeds without effect.
func (s *Store) Commit(ctx context.Context, op *document.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merge(op, document.OriginLocal)
}

// ApplyRemote merges an operation received through replication. It
// reports whether the operation was admitted or already held; rejected
// operations are dropped without an error and leave no trace.
func (s *Store) ApplyRemote(op *document.Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merge(op, document.OriginRemote) == nil
}

// Get returns the visible document at id.
func (s *Store) Get(ctx context.Context, id string) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok && !e.deleted {
		return e.doc, nil
	}
	return document.Document{}, errs.New(errs.CodeNotFound, "%s/%s not found", s.name, id)
}

// List returns every visible document, sorted by id.
func (s *Store) List(ctx context.Context) ([]document.Document, error) {
	return s.Search(nil), nil
}

// Search returns the visible documents matching match, sorted by id. A
// nil match returns everything.
func (s *Store) Search(match func(document.Document) bool) []document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []document.Document
	for _, id := range s.sortedIDs() {
		e := s.entries[id]
		if e.deleted {
			continue
		}
		if match == nil || match(e.doc) {
			out = append(out, e.doc)
		}
	}
	return out
}

// Len returns the number of visible documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lenLocked()
}

func (s *Store) lenLocked() int {
	n := 0
	for _, e := range s.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Head returns the replica clock.
func (s *Store) Head(ctx context.Context) (Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Head{Clock: s.clock}, nil
}

// merge runs the full pipeline for one operation. Callers hold s.mu.
// Only an admitted operation is persisted, indexed for anti-entropy or
// allowed to move the clock; anything rejected leaves no trace.
func (s *Store) merge(op *document.Operation, origin document.Origin) error {
	if err := s.checkEnvelope(op, origin); err != nil {
		return s.reject(op, origin, err)
	}
	hash := op.Hash()
	if _, dup := s.ops[hash]; dup {
		return nil
	}

	start := time.Now()
	result := s.policy.Admit(op, view{s})
	s.metrics.Observe(s.name, op, origin, result, time.Since(start))

	if !result.Allowed() {
		return s.reject(op, origin, errs.New(denialCode(result), "%s: %s", op, result))
	}
	if err := s.checkContent(op); err != nil {
		return s.reject(op, origin, err)
	}
	if s.log != nil {
		if err := s.log.Append(op); err != nil {
			return s.reject(op, origin, fmt.Errorf("persisting %s: %w", op, err))
		}
	}
	s.index(op, hash)
	s.apply(op, hash, origin)
	return nil
}

// denialCode maps a policy verdict onto the error taxonomy. Attempts to
// rewrite an immutable record are an invalid state rather than a missing
// right.
func denialCode(r admission.Result) errs.Code {
	switch r.Reason {
	case admission.ReasonOwnerImmutable, admission.ReasonWriteOnce:
		return errs.CodeInvalidState
	default:
		return errs.CodeAccessDenied
	}
}

func (s *Store) checkEnvelope(op *document.Operation, origin document.Origin) error {
	if op.Store != s.name {
		return errs.New(errs.CodeInvalidState, "operation for store %q", op.Store)
	}
	if !op.VerifySignature() {
		return errs.New(errs.CodeAccessDenied, "invalid signature from %s", op.Signer.Short())
	}
	if op.ID == "" {
		return errs.New(errs.CodeInvalidState, "operation has no id")
	}
	if op.Clock == 0 {
		return errs.New(errs.CodeInvalidState, "operation has no clock")
	}
	if origin != document.OriginReplay && op.Clock > s.clockLimit() {
		return errs.New(errs.CodeInvalidState, "clock %d is too far ahead of %d", op.Clock, s.clock)
	}
	if s.maxSize > 0 && int64(len(op.Payload)) > s.maxSize {
		return errs.New(errs.CodeInvalidState, "payload of %d bytes exceeds %d", len(op.Payload), s.maxSize)
	}
	return nil
}

// clockLimit is the highest clock an incoming operation may carry.
func (s *Store) clockLimit() uint64 {
	if s.clock > math.MaxUint64-s.maxSkew {
		return math.MaxUint64
	}
	return s.clock + s.maxSkew
}

func (s *Store) checkContent(op *document.Operation) error {
	if op.Kind != document.KindPut || s.schema == nil {
		return nil
	}
	if err := s.schema(op); err != nil {
		return errs.Wrap(errs.CodeInvalidState, err, "schema")
	}
	return nil
}

// index makes an admitted op available to anti-entropy and advances the
// clock past it.
func (s *Store) index(op *document.Operation, hash string) {
	s.ops[hash] = op
	log, ok := s.signers[op.Signer]
	if !ok {
		log = &signerLog{}
		s.signers[op.Signer] = log
	}
	log.add(hash, op.Clock)
	if op.Clock > s.clock {
		s.clock = op.Clock
	}
}

func (s *Store) reject(op *document.Operation, origin document.Origin, err error) error {
	if origin == document.OriginLocal {
		s.logger.Info("Rejected operation",
			zap.Stringer("op", op),
			zap.String("signer", op.Signer.String()),
			zap.Error(err))
	} else {
		s.logger.Debug("Dropped operation",
			zap.Stringer("op", op),
			zap.String("origin", origin.String()),
			zap.String("signer", op.Signer.String()),
			zap.Error(err))
	}
	return err
}

// apply makes an admitted operation visible under last-writer-wins by
// (clock, signer, op hash). Deletes leave tombstones so an older put
// arriving later cannot resurrect the id.
func (s *Store) apply(op *document.Operation, hash string, origin document.Origin) {
	if op.Kind == document.KindPut {
		s.written[op.ID] = struct{}{}
	}
	cur, exists := s.entries[op.ID]
	if exists && !supersedes(op, hash, cur) {
		return
	}

	switch op.Kind {
	case document.KindPut:
		doc := document.FromPut(op, hash)
		s.entries[op.ID] = &entry{doc: doc, clock: op.Clock, signer: op.Signer, hash: hash}
		s.notify(document.Change{Document: doc, Origin: origin})

	case document.KindDelete:
		tomb := &entry{deleted: true, clock: op.Clock, signer: op.Signer, hash: hash}
		if exists {
			tomb.doc = cur.doc
		}
		s.entries[op.ID] = tomb
		if exists && !cur.deleted {
			s.notify(document.Change{Document: cur.doc, Deleted: true, Origin: origin})
		}
	}
}

func supersedes(op *document.Operation, hash string, cur *entry) bool {
	if op.Clock != cur.clock {
		return op.Clock > cur.clock
	}
	if c := bytes.Compare(op.Signer[:], cur.signer[:]); c != 0 {
		return c > 0
	}
	return hash > cur.hash
}

func (s *Store) notify(c document.Change) {
	for _, obs := range s.observers {
		obs(c)
	}
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// view exposes visible state to policies while the caller holds s.mu.
type view struct {
	s *Store
}

func (v view) Lookup(id string) (document.Document, bool) {
	e, ok := v.s.entries[id]
	if !ok || e.deleted {
		return document.Document{}, false
	}
	return e.doc, true
}

func (v view) Seen(id string) bool {
	_, ok := v.s.written[id]
	return ok
}
