// Package graphstore is the single owner of accounts, content, topics and the
// edges between them. Structural mutation is serialized behind one lock; readers
// get deep-copied snapshots and never touch live state.
package graphstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/window"
)

// Options tunes retention and snapshot behaviour.
type Options struct {
	WindowExpiry      time.Duration
	WindowCapacity    int
	FinalizationDelay time.Duration
	RetentionHorizon  time.Duration
	ScoreHalfLife     time.Duration
}

type namespace uint8

const (
	nsAccount namespace = iota
	nsContent
	nsTopic
)

// nodeRef identifies an entity across the three id spaces.
type nodeRef struct {
	ns namespace
	id string
}

type edgeKey struct {
	kind     schemas.EdgeKind
	from, to string
}

// endpoints returns the namespaces an edge kind connects.
func endpoints(kind schemas.EdgeKind) (from, to namespace, ok bool) {
	switch kind {
	case schemas.EdgePosted:
		return nsAccount, nsContent, true
	case schemas.EdgeReposts:
		return nsContent, nsContent, true
	case schemas.EdgeMentions:
		return nsContent, nsAccount, true
	case schemas.EdgeUsesTopic:
		return nsContent, nsTopic, true
	case schemas.EdgeCoordinatesWith:
		return nsAccount, nsAccount, true
	}
	return 0, 0, false
}

func (k edgeKey) fromRef() nodeRef {
	ns, _, _ := endpoints(k.kind)
	return nodeRef{ns: ns, id: k.from}
}

func (k edgeKey) toRef() nodeRef {
	_, ns, _ := endpoints(k.kind)
	return nodeRef{ns: ns, id: k.to}
}

type timeKey struct {
	ts time.Time
	id string
}

func byTimeThenID(a, b timeKey) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	return a.id < b.id
}

// Store is an in-memory arena of entities keyed by id. Relationships are held
// as id references only.
type Store struct {
	mu sync.RWMutex

	opts Options
	log  *zap.Logger

	accounts map[string]*schemas.Account
	contents map[string]*schemas.Content
	topics   map[string]*schemas.Topic

	edges     map[edgeKey]*schemas.Edge
	adjacency map[nodeRef]map[edgeKey]struct{}

	// byTime orders content by event time for ranged snapshots.
	byTime *btree.BTreeG[timeKey]
	// parked maps an original content id to reposts that arrived before it.
	parked map[string][]string

	suspected map[string]struct{}
	window    *window.Window
}

// New creates an empty store.
func New(opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		opts:      opts,
		log:       logger.Named("graphstore"),
		accounts:  make(map[string]*schemas.Account),
		contents:  make(map[string]*schemas.Content),
		topics:    make(map[string]*schemas.Topic),
		edges:     make(map[edgeKey]*schemas.Edge),
		adjacency: make(map[nodeRef]map[edgeKey]struct{}),
		byTime:    btree.NewBTreeGOptions(byTimeThenID, btree.Options{NoLocks: true}),
		parked:    make(map[string][]string),
		suspected: make(map[string]struct{}),
		window:    window.New(opts.WindowExpiry, opts.WindowCapacity),
	}
}

// -- Ingestion Path --

// Apply records a canonical event: its author, mentioned accounts, topics,
// content, structural edges and (for reposts) the window entry. It is atomic:
// either the whole event is applied or nothing is. A byte-identical redelivery
// returns ErrDuplicateContent and changes nothing.
func (s *Store) Apply(ev schemas.Event) ([]schemas.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := ev.Content()
	muts, err := s.recordContentLocked(c)
	if err != nil {
		return nil, err
	}

	if c.Kind == schemas.EventRepost {
		entry := schemas.WindowEntry{OriginalID: c.OriginalID, RepostID: c.ID, AccountID: c.AuthorID, Timestamp: c.Timestamp}
		if !s.window.Insert(entry) {
			s.log.Debug("Repost older than window horizon, not windowed",
				zap.String("content_id", c.ID), zap.Time("timestamp", c.Timestamp))
		}
	} else {
		s.window.Advance(c.Timestamp)
	}
	return muts, nil
}

// UpsertAccount creates the account on first reference. It reports whether the
// account was created by this call.
func (s *Store) UpsertAccount(id string, at time.Time) (schemas.Account, bool, error) {
	if id == "" {
		return schemas.Account{}, false, fmt.Errorf("%w: empty account id", schemas.ErrMalformedEvent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, created := s.upsertAccountLocked(id, at)
	return acc.Clone(), created, nil
}

// RecordContent stores a content item with its structural edges, creating any
// referenced accounts and topics. Identical re-delivery returns
// ErrDuplicateContent; a differing record under the same id returns
// ErrConflictingContent.
func (s *Store) RecordContent(c schemas.Content) (schemas.Content, []schemas.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	muts, err := s.recordContentLocked(c)
	if err != nil {
		return schemas.Content{}, nil, err
	}
	return s.contents[c.ID].Clone(), muts, nil
}

// RecordEdge appends a structural edge or upserts a COORDINATES_WITH edge.
// Structural edges are immutable: recording an existing one is a no-op.
// COORDINATES_WITH is stored once per canonical pair and keeps the higher of the
// decayed existing score and the new one.
func (s *Store) RecordEdge(kind schemas.EdgeKind, from, to string, attrs schemas.EdgeAttrs) (schemas.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _, err := s.recordEdgeLocked(kind, from, to, attrs)
	if err != nil {
		return schemas.Edge{}, err
	}
	return *e, nil
}

func (s *Store) upsertAccountLocked(id string, at time.Time) (*schemas.Account, bool) {
	if acc, ok := s.accounts[id]; ok {
		if at.Before(acc.CreatedAt) {
			acc.CreatedAt = at
		}
		return acc, false
	}
	acc := &schemas.Account{ID: id, CreatedAt: at, LastActive: at}
	s.accounts[id] = acc
	return acc, true
}

func (s *Store) upsertTopicLocked(token string, at time.Time) {
	t, ok := s.topics[token]
	if !ok {
		s.topics[token] = &schemas.Topic{Token: token, FirstSeen: at, LastSeen: at}
		return
	}
	if at.After(t.LastSeen) {
		t.LastSeen = at
	}
	if at.Before(t.FirstSeen) {
		t.FirstSeen = at
	}
}

func (s *Store) recordContentLocked(c schemas.Content) ([]schemas.Mutation, error) {
	if c.ID == "" || c.AuthorID == "" {
		return nil, fmt.Errorf("%w: content requires id and author", schemas.ErrMalformedEvent)
	}
	if existing, ok := s.contents[c.ID]; ok {
		if existing.SameAs(c) {
			return nil, fmt.Errorf("%w: %s", schemas.ErrDuplicateContent, c.ID)
		}
		return nil, fmt.Errorf("%w: %s", schemas.ErrConflictingContent, c.ID)
	}

	var muts []schemas.Mutation

	author, _ := s.upsertAccountLocked(c.AuthorID, c.Timestamp)
	author.PostCount++
	if c.Timestamp.After(author.LastActive) {
		author.LastActive = c.Timestamp
	}
	muts = append(muts, accountMutation(author))

	for _, m := range c.Mentions {
		if acc, created := s.upsertAccountLocked(m, c.Timestamp); created {
			muts = append(muts, accountMutation(acc))
		}
	}
	for _, t := range c.Topics {
		s.upsertTopicLocked(t, c.Timestamp)
	}

	stored := c.Clone()
	stored.RepostCount = 0
	s.contents[c.ID] = &stored
	s.byTime.Set(timeKey{ts: c.Timestamp, id: c.ID})
	muts = append(muts, contentMutation(&stored))

	attrs := schemas.EdgeAttrs{Timestamp: c.Timestamp}
	muts = s.appendEdge(muts, schemas.EdgePosted, c.AuthorID, c.ID, attrs)
	for _, m := range c.Mentions {
		muts = s.appendEdge(muts, schemas.EdgeMentions, c.ID, m, attrs)
	}
	for _, t := range c.Topics {
		muts = s.appendEdge(muts, schemas.EdgeUsesTopic, c.ID, t, attrs)
	}

	if c.OriginalID != "" {
		if _, ok := s.contents[c.OriginalID]; ok {
			muts = s.linkRepost(muts, c.ID, c.OriginalID)
		} else {
			s.parked[c.OriginalID] = append(s.parked[c.OriginalID], c.ID)
			s.log.Debug("Repost parked until its original arrives",
				zap.String("repost_id", c.ID), zap.String("original_id", c.OriginalID))
		}
	}

	if waiting, ok := s.parked[c.ID]; ok {
		delete(s.parked, c.ID)
		for _, repostID := range waiting {
			if _, ok := s.contents[repostID]; ok {
				muts = s.linkRepost(muts, repostID, c.ID)
			}
		}
	}
	return muts, nil
}

// linkRepost materialises the REPOSTS edge and bumps the original's counter.
func (s *Store) linkRepost(muts []schemas.Mutation, repostID, originalID string) []schemas.Mutation {
	repost := s.contents[repostID]
	muts = s.appendEdge(muts, schemas.EdgeReposts, repostID, originalID, schemas.EdgeAttrs{Timestamp: repost.Timestamp})
	original := s.contents[originalID]
	original.RepostCount++
	return append(muts, contentMutation(original))
}

// appendEdge records a structural edge whose endpoints are known to exist.
func (s *Store) appendEdge(muts []schemas.Mutation, kind schemas.EdgeKind, from, to string, attrs schemas.EdgeAttrs) []schemas.Mutation {
	e, changed, err := s.recordEdgeLocked(kind, from, to, attrs)
	if err != nil {
		// Endpoints were created in the same critical section.
		s.log.Error("Structural edge rejected", zap.String("kind", string(kind)),
			zap.String("from", from), zap.String("to", to), zap.Error(err))
		return muts
	}
	if changed {
		muts = append(muts, edgeMutation(e))
	}
	return muts
}

func (s *Store) exists(ref nodeRef) bool {
	switch ref.ns {
	case nsAccount:
		_, ok := s.accounts[ref.id]
		return ok
	case nsContent:
		_, ok := s.contents[ref.id]
		return ok
	case nsTopic:
		_, ok := s.topics[ref.id]
		return ok
	}
	return false
}

func (s *Store) recordEdgeLocked(kind schemas.EdgeKind, from, to string, attrs schemas.EdgeAttrs) (*schemas.Edge, bool, error) {
	if _, _, ok := endpoints(kind); !ok {
		return nil, false, fmt.Errorf("%w: unknown edge kind %q", schemas.ErrMalformedEvent, kind)
	}
	if kind == schemas.EdgeCoordinatesWith {
		if from == to {
			return nil, false, fmt.Errorf("%w: account cannot coordinate with itself", schemas.ErrMalformedEvent)
		}
		if to < from {
			from, to = to, from
		}
	}

	key := edgeKey{kind: kind, from: from, to: to}
	if !s.exists(key.fromRef()) {
		return nil, false, fmt.Errorf("%w: %s source '%s' not found", schemas.ErrDanglingReference, kind, from)
	}
	if !s.exists(key.toRef()) {
		return nil, false, fmt.Errorf("%w: %s destination '%s' not found", schemas.ErrDanglingReference, kind, to)
	}

	if existing, ok := s.edges[key]; ok {
		if kind.IsStructural() {
			return existing, false, nil
		}
		decayed := schemas.Decay(existing.Score, attrs.Timestamp.Sub(existing.UpdatedAt), s.opts.ScoreHalfLife)
		if attrs.Score >= decayed {
			existing.Score = clamp01(attrs.Score)
			existing.UpdatedAt = attrs.Timestamp
			return existing, true, nil
		}
		return existing, false, nil
	}

	e := &schemas.Edge{Kind: kind, From: from, To: to, Timestamp: attrs.Timestamp}
	if kind == schemas.EdgeCoordinatesWith {
		e.Score = clamp01(attrs.Score)
		e.UpdatedAt = attrs.Timestamp
	}
	s.edges[key] = e
	s.link(key.fromRef(), key)
	s.link(key.toRef(), key)
	return e, true, nil
}

func (s *Store) link(ref nodeRef, key edgeKey) {
	set, ok := s.adjacency[ref]
	if !ok {
		set = make(map[edgeKey]struct{})
		s.adjacency[ref] = set
	}
	set[key] = struct{}{}
}

// -- Evaluation Path Updates --

// Reinforce folds a candidate into the scored accounts and, for pair subjects,
// upserts the COORDINATES_WITH edge. Stored scores only move up; a weaker
// reading leaves the older score decaying from its last reinforcement.
func (s *Store) Reinforce(c schemas.Candidate, at time.Time) []schemas.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var muts []schemas.Mutation
	for _, id := range c.Subject.Accounts() {
		acc, ok := s.accounts[id]
		if !ok {
			continue
		}
		changed := false
		if acc.Scores == nil {
			acc.Scores = make(map[schemas.DetectorKind]schemas.DecayedScore)
		}
		prev := acc.Scores[c.Kind]
		if c.Score >= prev.At(at, s.opts.ScoreHalfLife) {
			acc.Scores[c.Kind] = schemas.DecayedScore{Score: clamp01(c.Score), UpdatedAt: at}
			changed = true
		}
		if c.Kind == schemas.DetectorBotRate {
			decayed := schemas.Decay(acc.ActivityRate, at.Sub(acc.RateUpdatedAt), s.opts.ScoreHalfLife)
			if c.Value >= decayed {
				acc.ActivityRate = c.Value
				acc.RateUpdatedAt = at
				changed = true
			}
		}
		if changed {
			muts = append(muts, accountMutation(acc))
		}
	}

	if c.Subject.IsPair() {
		e, changed, err := s.recordEdgeLocked(schemas.EdgeCoordinatesWith, c.Subject.Primary, c.Subject.Secondary,
			schemas.EdgeAttrs{Timestamp: at, Score: c.Score})
		if err != nil {
			s.log.Warn("Coordination edge not recorded", zap.Stringer("subject", c.Subject), zap.Error(err))
		} else if changed {
			muts = append(muts, edgeMutation(e))
		}
	}
	return muts
}

// SyncSuspected sets the suspected-troll flag on exactly the given accounts and
// clears it everywhere else. It returns mutations for every account that changed.
func (s *Store) SyncSuspected(flagged map[string]struct{}) []schemas.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for id := range s.suspected {
		if _, keep := flagged[id]; keep {
			continue
		}
		delete(s.suspected, id)
		if acc, ok := s.accounts[id]; ok {
			acc.SuspectedTroll = false
			changed = append(changed, id)
		}
	}
	for id := range flagged {
		acc, ok := s.accounts[id]
		if !ok || acc.SuspectedTroll {
			continue
		}
		acc.SuspectedTroll = true
		s.suspected[id] = struct{}{}
		changed = append(changed, id)
	}

	sort.Strings(changed)
	muts := make([]schemas.Mutation, 0, len(changed))
	for _, id := range changed {
		muts = append(muts, accountMutation(s.accounts[id]))
	}
	return muts
}

// -- Read Accessors --

// Account returns a copy of the account.
func (s *Store) Account(id string) (schemas.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return schemas.Account{}, fmt.Errorf("%w: account '%s'", schemas.ErrNotFound, id)
	}
	return acc.Clone(), nil
}

// Content returns a copy of the content item.
func (s *Store) Content(id string) (schemas.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contents[id]
	if !ok {
		return schemas.Content{}, fmt.Errorf("%w: content '%s'", schemas.ErrNotFound, id)
	}
	return c.Clone(), nil
}

// LowWaterMark is the window's oldest retained event time, used by the normalizer.
func (s *Store) LowWaterMark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.LowWaterMark()
}

// Stats is a point-in-time count of the working set.
type Stats struct {
	Accounts      int       `json:"accounts"`
	Contents      int       `json:"contents"`
	Topics        int       `json:"topics"`
	Edges         int       `json:"edges"`
	Parked        int       `json:"parked"`
	WindowLen     int       `json:"window_len"`
	WindowDropped uint64    `json:"window_dropped"`
	WindowExpired uint64    `json:"window_expired"`
	LowWaterMark  time.Time `json:"low_water_mark"`
	HighWaterMark time.Time `json:"high_water_mark"`
}

// Stats reports working-set sizes and window counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parked := 0
	for _, ids := range s.parked {
		parked += len(ids)
	}
	return Stats{
		Accounts:      len(s.accounts),
		Contents:      len(s.contents),
		Topics:        len(s.topics),
		Edges:         len(s.edges),
		Parked:        parked,
		WindowLen:     s.window.Len(),
		WindowDropped: s.window.Dropped(),
		WindowExpired: s.window.Expired(),
		LowWaterMark:  s.window.LowWaterMark(),
		HighWaterMark: s.window.HighWaterMark(),
	}
}

// -- Helpers --

func accountMutation(a *schemas.Account) schemas.Mutation {
	c := a.Clone()
	return schemas.Mutation{Op: schemas.OpUpsertAccount, Account: &c}
}

func contentMutation(c *schemas.Content) schemas.Mutation {
	cc := c.Clone()
	return schemas.Mutation{Op: schemas.OpRecordContent, Content: &cc}
}

func edgeMutation(e *schemas.Edge) schemas.Mutation {
	ec := *e
	return schemas.Mutation{Op: schemas.OpRecordEdge, Edge: &ec}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
