// Package normalizer validates enriched event records and produces the
// canonical form consumed by the graph store. It holds no state.
package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// Normalizer is a pure function from raw record to canonical event.
type Normalizer struct {
	clockSkew       time.Duration
	futureTolerance time.Duration
}

// New creates a normalizer tolerating the given clock skew behind the
// low-water-mark and at most futureTolerance ahead of the event clock.
// A non-positive futureTolerance disables the forward bound.
func New(clockSkew, futureTolerance time.Duration) *Normalizer {
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Normalizer{clockSkew: clockSkew, futureTolerance: futureTolerance}
}

// Bounds is the plausible event-time range for the next event. Zero values
// disable the corresponding check.
type Bounds struct {
	// LowWaterMark is the window's oldest retainable event time.
	LowWaterMark time.Time
	// EventClock is the latest accepted event time.
	EventClock time.Time
}

// Normalize validates raw and returns its canonical form.
// Errors wrap schemas.ErrMalformedEvent or schemas.ErrOutOfOrderEvent.
func (n *Normalizer) Normalize(raw schemas.RawEvent, b Bounds) (schemas.Event, error) {
	kind := schemas.EventKind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	if !kind.Valid() {
		return schemas.Event{}, malformed("unknown kind %q", raw.Kind)
	}

	ev := schemas.Event{
		Kind:     kind,
		ID:       strings.TrimSpace(raw.ID),
		AuthorID: canonicalHandle(raw.AuthorID),
		TargetID: strings.TrimSpace(raw.TargetID),
	}
	if ev.ID == "" {
		return schemas.Event{}, malformed("missing id")
	}
	if ev.AuthorID == "" {
		return schemas.Event{}, malformed("event %s: missing author_id", ev.ID)
	}
	if raw.Timestamp.IsZero() {
		return schemas.Event{}, malformed("event %s: missing timestamp", ev.ID)
	}
	ev.Timestamp = raw.Timestamp.UTC()

	if lw := b.LowWaterMark; !lw.IsZero() && ev.Timestamp.Before(lw.Add(-n.clockSkew)) {
		return schemas.Event{}, fmt.Errorf("%w: event %s at %s is older than low-water-mark %s minus skew %s",
			schemas.ErrOutOfOrderEvent, ev.ID, ev.Timestamp.Format(time.RFC3339), lw.Format(time.RFC3339), n.clockSkew)
	}
	if clock := b.EventClock; n.futureTolerance > 0 && !clock.IsZero() && ev.Timestamp.After(clock.Add(n.futureTolerance)) {
		return schemas.Event{}, malformed("event %s at %s is more than %s ahead of the event clock %s",
			ev.ID, ev.Timestamp.Format(time.RFC3339), n.futureTolerance, clock.Format(time.RFC3339))
	}

	var err error
	if ev.Mentions, err = canonicalSet(raw.Mentions, canonicalHandle); err != nil {
		return schemas.Event{}, malformed("event %s: mentions: %v", ev.ID, err)
	}
	if ev.Topics, err = canonicalSet(raw.Topics, canonicalTopic); err != nil {
		return schemas.Event{}, malformed("event %s: topics: %v", ev.ID, err)
	}

	switch kind {
	case schemas.EventRepost:
		if ev.TargetID == "" {
			return schemas.Event{}, malformed("repost %s: missing target_id", ev.ID)
		}
		if ev.TargetID == ev.ID {
			return schemas.Event{}, malformed("repost %s: targets itself", ev.ID)
		}
	case schemas.EventMention:
		if len(ev.Mentions) == 0 {
			return schemas.Event{}, malformed("mention %s: no mentioned accounts", ev.ID)
		}
	case schemas.EventHashtag:
		if len(ev.Topics) == 0 {
			return schemas.Event{}, malformed("hashtag %s: no topics", ev.ID)
		}
	}
	// Only reposts carry a content reference.
	if kind != schemas.EventRepost {
		ev.TargetID = ""
	}
	return ev, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{schemas.ErrMalformedEvent}, args...)...)
}

func canonicalHandle(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

func canonicalTopic(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

// canonicalSet canonicalizes, de-duplicates and sorts tokens. Empty tokens are rejected.
func canonicalSet(in []string, canon func(string) string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		token := canon(raw)
		if token == "" {
			return nil, fmt.Errorf("empty token")
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	sort.Strings(out)
	return out, nil
}
