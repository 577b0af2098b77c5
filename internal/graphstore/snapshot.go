package graphstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

const lockPollInterval = 2 * time.Millisecond

// rlock acquires the read lock or gives up when ctx is done.
func (s *Store) rlock(ctx context.Context) error {
	if s.mu.TryRLock() {
		return nil
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", schemas.ErrSnapshotUnavailable, ctx.Err())
		case <-ticker.C:
			if s.mu.TryRLock() {
				return nil
			}
		}
	}
}

// Snapshot builds an immutable view of the graph as of asOf. Only content with
// a timestamp in [since, asOf - finalization delay] is included, together with
// the originals those reposts point at, and the accounts and topics they
// reference. A repost whose original is not yet visible is left out entirely,
// so detectors never see a half-built fan-in. A zero since means no lower bound.
func (s *Store) Snapshot(ctx context.Context, asOf, since time.Time) (*schemas.GraphSnapshot, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	cutoff := asOf.Add(-s.opts.FinalizationDelay)
	snap := &schemas.GraphSnapshot{
		AsOf:     asOf,
		Cutoff:   cutoff,
		Accounts: make(map[string]schemas.Account),
		Contents: make(map[string]schemas.Content),
		Topics:   make(map[string]schemas.Topic),
	}

	visible := func(c *schemas.Content) bool { return !c.Timestamp.After(cutoff) }

	var ids []string
	s.byTime.Ascend(timeKey{ts: since}, func(k timeKey) bool {
		if k.ts.After(cutoff) {
			return false
		}
		ids = append(ids, k.id)
		return true
	})

	include := func(c *schemas.Content) {
		if _, done := snap.Contents[c.ID]; done {
			return
		}
		snap.Contents[c.ID] = c.Clone()
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", schemas.ErrSnapshotUnavailable, err)
		}
		c := s.contents[id]
		if c.OriginalID != "" {
			orig, ok := s.contents[c.OriginalID]
			if !ok || !visible(orig) {
				continue
			}
			include(orig)
		}
		include(c)
	}

	for _, c := range snap.Contents {
		s.snapshotAccount(snap, c.AuthorID)
		for _, m := range c.Mentions {
			s.snapshotAccount(snap, m)
		}
		for _, t := range c.Topics {
			if topic, ok := s.topics[t]; ok {
				snap.Topics[t] = *topic
			}
		}
	}

	// Structural edges are keyed off content, so every endpoint is already present.
	for id := range snap.Contents {
		for key := range s.adjacency[nodeRef{ns: nsContent, id: id}] {
			if !s.edgeVisible(snap, key) {
				continue
			}
			if key.kind == schemas.EdgeReposts && key.to == id {
				continue // collected from the repost's side
			}
			snap.Edges = append(snap.Edges, *s.edges[key])
		}
	}
	for accID := range snap.Accounts {
		for key := range s.adjacency[nodeRef{ns: nsAccount, id: accID}] {
			if key.kind != schemas.EdgeCoordinatesWith || key.from != accID {
				continue
			}
			if s.edgeVisible(snap, key) {
				snap.Edges = append(snap.Edges, *s.edges[key])
			}
		}
	}
	sortEdges(snap.Edges)

	view := s.window.View(asOf, cutoff)
	entries := view.Entries[:0]
	for _, e := range view.Entries {
		if _, ok := snap.Contents[e.RepostID]; !ok {
			continue
		}
		if _, ok := snap.Contents[e.OriginalID]; !ok {
			continue
		}
		entries = append(entries, e)
	}
	view.Entries = entries
	snap.Window = view

	s.log.Debug("Snapshot built",
		zap.Time("as_of", asOf),
		zap.Int("contents", len(snap.Contents)),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("edges", len(snap.Edges)),
		zap.Int("window_entries", len(view.Entries)))
	return snap, nil
}

func (s *Store) snapshotAccount(snap *schemas.GraphSnapshot, id string) {
	if _, ok := snap.Accounts[id]; ok {
		return
	}
	if acc, ok := s.accounts[id]; ok {
		snap.Accounts[id] = acc.Clone()
	}
}

// edgeVisible reports whether both endpoints of the edge are in the snapshot.
func (s *Store) edgeVisible(snap *schemas.GraphSnapshot, key edgeKey) bool {
	return inSnapshot(snap, key.fromRef()) && inSnapshot(snap, key.toRef())
}

func inSnapshot(snap *schemas.GraphSnapshot, ref nodeRef) bool {
	var ok bool
	switch ref.ns {
	case nsAccount:
		_, ok = snap.Accounts[ref.id]
	case nsContent:
		_, ok = snap.Contents[ref.id]
	case nsTopic:
		_, ok = snap.Topics[ref.id]
	}
	return ok
}

func sortEdges(edges []schemas.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
}
