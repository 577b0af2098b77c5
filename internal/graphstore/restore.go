package graphstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// RestoreSink exposes Restore as a schemas.MutationSink for journal replay.
func (s *Store) RestoreSink() schemas.MutationSink { return restoreSink{s} }

type restoreSink struct{ s *Store }

func (r restoreSink) Apply(ctx context.Context, mutations []schemas.Mutation) error {
	return r.s.Restore(ctx, mutations)
}

// Restore applies mutations emitted by another store, in emission order, so a
// journal can rebuild the working set. Re-applying a mutation is a no-op. Mutations whose
// endpoints never arrive return ErrDanglingReference.
func (s *Store) Restore(ctx context.Context, mutations []schemas.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range mutations {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := s.restoreLocked(m); err != nil {
			return err
		}
	}
	return nil
}

const checkEvery = 1024

func (s *Store) restoreLocked(m schemas.Mutation) error {
	switch {
	case m.Op == schemas.OpUpsertAccount && m.Account != nil:
		s.restoreAccount(*m.Account)
	case m.Op == schemas.OpRecordContent && m.Content != nil:
		s.restoreContent(*m.Content)
	case m.Op == schemas.OpRecordEdge && m.Edge != nil:
		e := m.Edge
		attrs := schemas.EdgeAttrs{Timestamp: e.Timestamp, Score: e.Score}
		if e.Kind == schemas.EdgeCoordinatesWith {
			attrs.Timestamp = e.UpdatedAt
		}
		if _, _, err := s.recordEdgeLocked(e.Kind, e.From, e.To, attrs); err != nil {
			return err
		}
		if e.Kind == schemas.EdgeReposts {
			s.unpark(e.To, e.From)
		}
	default:
		return fmt.Errorf("%w: mutation %q without matching payload", schemas.ErrMalformedEvent, m.Op)
	}
	return nil
}

func (s *Store) restoreAccount(a schemas.Account) {
	acc, ok := s.accounts[a.ID]
	if !ok {
		stored := a.Clone()
		s.accounts[a.ID] = &stored
		acc = &stored
	} else {
		createdAt, lastActive, posts := acc.CreatedAt, acc.LastActive, acc.PostCount
		*acc = a.Clone()
		acc.CreatedAt = earliest(createdAt, a.CreatedAt)
		acc.LastActive = latest(lastActive, a.LastActive)
		if posts > acc.PostCount {
			acc.PostCount = posts
		}
	}
	if acc.SuspectedTroll {
		s.suspected[acc.ID] = struct{}{}
	} else {
		delete(s.suspected, acc.ID)
	}
}

func (s *Store) restoreContent(c schemas.Content) {
	if existing, ok := s.contents[c.ID]; ok {
		if c.RepostCount > existing.RepostCount {
			existing.RepostCount = c.RepostCount
		}
		return
	}

	stored := c.Clone()
	s.contents[c.ID] = &stored
	s.byTime.Set(timeKey{ts: c.Timestamp, id: c.ID})
	for _, t := range c.Topics {
		s.upsertTopicLocked(t, c.Timestamp)
	}

	if c.Kind != schemas.EventRepost {
		s.window.Advance(c.Timestamp)
		return
	}
	if _, ok := s.contents[c.OriginalID]; !ok && c.OriginalID != "" {
		s.parked[c.OriginalID] = append(s.parked[c.OriginalID], c.ID)
	}
	entry := schemas.WindowEntry{OriginalID: c.OriginalID, RepostID: c.ID, AccountID: c.AuthorID, Timestamp: c.Timestamp}
	if !s.window.Insert(entry) {
		s.log.Debug("Restored repost is older than the window", zap.String("content_id", c.ID))
	}
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
