package graphstore

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// anchor returns the endpoint an edge depends on. The dependent endpoint can be
// archived freely, but the anchor must stay while any dependent remains.
// COORDINATES_WITH is derived and simply goes away with either endpoint.
func anchor(key edgeKey) (dependent, anchored nodeRef, ok bool) {
	switch key.kind {
	case schemas.EdgePosted:
		return key.toRef(), key.fromRef(), true
	case schemas.EdgeReposts, schemas.EdgeMentions, schemas.EdgeUsesTopic:
		return key.fromRef(), key.toRef(), true
	}
	return nodeRef{}, nodeRef{}, false
}

// Evictable lists entities idle for longer than the retention horizon whose
// removal would leave no edge pointing at something missing. It computes the
// largest such set as a fixpoint: an idle entity still anchoring a retained
// dependent is taken back out, which may in turn pin its own anchors.
// Nothing is removed; see Release.
func (s *Store) Evictable(asOf time.Time) schemas.EvictionNotice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.evictableLocked(asOf)
	notice := schemas.EvictionNotice{AsOf: asOf}
	for ref := range set {
		switch ref.ns {
		case nsAccount:
			notice.Accounts = append(notice.Accounts, ref.id)
		case nsContent:
			notice.Contents = append(notice.Contents, ref.id)
		case nsTopic:
			notice.Topics = append(notice.Topics, ref.id)
		}
	}
	sort.Strings(notice.Accounts)
	sort.Strings(notice.Contents)
	sort.Strings(notice.Topics)
	return notice
}

func (s *Store) evictableLocked(asOf time.Time) map[nodeRef]struct{} {
	horizon := asOf.Add(-s.opts.RetentionHorizon)
	set := make(map[nodeRef]struct{})

	for id, acc := range s.accounts {
		if acc.LastActive.Before(horizon) && acc.CreatedAt.Before(horizon) {
			set[nodeRef{ns: nsAccount, id: id}] = struct{}{}
		}
	}
	for id, c := range s.contents {
		if c.Timestamp.Before(horizon) {
			set[nodeRef{ns: nsContent, id: id}] = struct{}{}
		}
	}
	for token, t := range s.topics {
		if t.LastSeen.Before(horizon) {
			set[nodeRef{ns: nsTopic, id: token}] = struct{}{}
		}
	}

	for changed := true; changed; {
		changed = false
		for ref := range set {
			if s.pinned(ref, set) {
				delete(set, ref)
				changed = true
			}
		}
	}
	return set
}

// pinned reports whether a retained entity depends on ref.
func (s *Store) pinned(ref nodeRef, set map[nodeRef]struct{}) bool {
	for key := range s.adjacency[ref] {
		dependent, anchored, ok := anchor(key)
		if !ok || anchored != ref {
			continue
		}
		if _, leaving := set[dependent]; !leaving {
			return true
		}
	}
	return false
}

// Release removes the entities named by an acknowledged eviction notice. Ids
// that are no longer evictable as of the notice time (they were touched since)
// are skipped. It returns the number of entities removed.
func (s *Store) Release(notice schemas.EvictionNotice) int {
	if notice.Empty() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := s.evictableLocked(notice.AsOf)
	var doomed []nodeRef
	collect := func(ns namespace, ids []string) {
		for _, id := range ids {
			ref := nodeRef{ns: ns, id: id}
			if _, ok := allowed[ref]; ok {
				doomed = append(doomed, ref)
			}
		}
	}
	collect(nsAccount, notice.Accounts)
	collect(nsContent, notice.Contents)
	collect(nsTopic, notice.Topics)

	// A subset of an evictable set may still pin, so re-check against the subset.
	keep := make(map[nodeRef]struct{}, len(doomed))
	for _, ref := range doomed {
		keep[ref] = struct{}{}
	}
	for changed := true; changed; {
		changed = false
		for ref := range keep {
			if s.pinned(ref, keep) {
				delete(keep, ref)
				changed = true
			}
		}
	}

	for ref := range keep {
		s.removeLocked(ref)
	}
	s.log.Info("Released archived entities", zap.Int("count", len(keep)), zap.Time("as_of", notice.AsOf))
	return len(keep)
}

func (s *Store) removeLocked(ref nodeRef) {
	for key := range s.adjacency[ref] {
		delete(s.edges, key)
		other := key.toRef()
		if other == ref {
			other = key.fromRef()
		}
		if set, ok := s.adjacency[other]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.adjacency, other)
			}
		}
	}
	delete(s.adjacency, ref)

	switch ref.ns {
	case nsAccount:
		delete(s.accounts, ref.id)
		delete(s.suspected, ref.id)
	case nsContent:
		if c, ok := s.contents[ref.id]; ok {
			s.byTime.Delete(timeKey{ts: c.Timestamp, id: c.ID})
			if c.OriginalID != "" {
				s.unpark(c.OriginalID, c.ID)
			}
		}
		delete(s.contents, ref.id)
	case nsTopic:
		delete(s.topics, ref.id)
	}
}

func (s *Store) unpark(originalID, repostID string) {
	waiting := s.parked[originalID]
	for i, id := range waiting {
		if id == repostID {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(s.parked, originalID)
		return
	}
	s.parked[originalID] = waiting
}
