package schemas

import (
	"math"
	"time"
)

// -- Core Graph Models --
// These types represent the entities held by the graph store and handed out in snapshots.

// EdgeKind defines the nature of the connection between two entities.
type EdgeKind string

const (
	// EdgePosted links an author account to a content item it created.
	EdgePosted EdgeKind = "POSTED"
	// EdgeReposts links a repost content item to the original it amplifies.
	EdgeReposts EdgeKind = "REPOSTS"
	// EdgeMentions links a content item to an account it mentions.
	EdgeMentions EdgeKind = "MENTIONS"
	// EdgeUsesTopic links a content item to a hashtag/topic token.
	EdgeUsesTopic EdgeKind = "USES_TOPIC"
	// EdgeCoordinatesWith is derived by the engine between two accounts.
	EdgeCoordinatesWith EdgeKind = "COORDINATES_WITH"
)

// IsStructural reports whether the edge kind is ingested (append-only) rather than derived.
func (k EdgeKind) IsStructural() bool {
	switch k {
	case EdgePosted, EdgeReposts, EdgeMentions, EdgeUsesTopic:
		return true
	}
	return false
}

// DecayedScore is a score in [0,1] whose effective value halves every half-life since UpdatedAt.
type DecayedScore struct {
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// At returns the lazily decayed value of the score at the given instant.
func (d DecayedScore) At(at time.Time, halfLife time.Duration) float64 {
	return Decay(d.Score, at.Sub(d.UpdatedAt), halfLife)
}

// Decay applies exponential decay with the given half-life to a stored score.
// Negative elapsed time (a read "before" the update) returns the score unchanged.
func Decay(score float64, elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return score
	}
	rate := math.Ln2 / halfLife.Seconds()
	return score * math.Exp(-rate*elapsed.Seconds())
}

// Account is an opaque social media identity observed in the event stream.
type Account struct {
	ID             string                        `json:"id"`
	CreatedAt      time.Time                     `json:"created_at"`
	LastActive     time.Time                     `json:"last_active"`
	PostCount      int                           `json:"post_count"`
	ActivityRate   float64                       `json:"activity_rate"`
	RateUpdatedAt  time.Time                     `json:"rate_updated_at"`
	Scores         map[DetectorKind]DecayedScore `json:"scores,omitempty"`
	SuspectedTroll bool                          `json:"suspected_troll"`
}

// CoordinationScore is the maximum of the per-detector scores, each decayed lazily to 'at'.
func (a Account) CoordinationScore(at time.Time, halfLife time.Duration) float64 {
	best := 0.0
	for _, s := range a.Scores {
		if v := s.At(at, halfLife); v > best {
			best = v
		}
	}
	return best
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	out := a
	if a.Scores != nil {
		out.Scores = make(map[DetectorKind]DecayedScore, len(a.Scores))
		for k, v := range a.Scores {
			out.Scores[k] = v
		}
	}
	return out
}

// Content is a post or repost. It is immutable once recorded except for RepostCount.
type Content struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	AuthorID    string    `json:"author_id"`
	Timestamp   time.Time `json:"timestamp"`
	OriginalID  string    `json:"original_id,omitempty"`
	Mentions    []string  `json:"mentions,omitempty"`
	Topics      []string  `json:"topics,omitempty"`
	RepostCount int       `json:"repost_count"`
}

// SameAs reports whether two content records describe the same immutable facts.
// RepostCount is ignored since it is the one field that legitimately grows.
func (c Content) SameAs(other Content) bool {
	if c.ID != other.ID || c.Kind != other.Kind || c.AuthorID != other.AuthorID ||
		!c.Timestamp.Equal(other.Timestamp) || c.OriginalID != other.OriginalID {
		return false
	}
	return equalStrings(c.Mentions, other.Mentions) && equalStrings(c.Topics, other.Topics)
}

// Clone returns a deep copy of the content.
func (c Content) Clone() Content {
	out := c
	out.Mentions = append([]string(nil), c.Mentions...)
	out.Topics = append([]string(nil), c.Topics...)
	return out
}

// Topic is a hashtag/topic token, the target of USES_TOPIC edges.
type Topic struct {
	Token     string    `json:"token"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Edge is a directed relationship. Score and UpdatedAt are only meaningful for COORDINATES_WITH.
type Edge struct {
	Kind      EdgeKind  `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// EdgeAttrs carries the optional attributes for RecordEdge.
type EdgeAttrs struct {
	Timestamp time.Time
	Score     float64
}

// WindowEntry is one repost held in the proximity window.
type WindowEntry struct {
	OriginalID string    `json:"original_id"`
	RepostID   string    `json:"repost_id"`
	AccountID  string    `json:"account_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// WindowView is the read-only slice of the window handed to detectors.
type WindowView struct {
	Entries      []WindowEntry `json:"entries"`
	Expiry       time.Duration `json:"expiry"`
	LowWaterMark time.Time     `json:"low_water_mark"`
}

// -- Snapshot / Export Models --

// GraphSnapshot is an immutable, point-in-time-consistent view of the graph.
// Nothing in it aliases the live store.
type GraphSnapshot struct {
	AsOf     time.Time          `json:"as_of"`
	Cutoff   time.Time          `json:"cutoff"`
	Accounts map[string]Account `json:"accounts"`
	Contents map[string]Content `json:"contents"`
	Topics   map[string]Topic   `json:"topics"`
	// Edges is sorted by (Kind, From, To).
	Edges  []Edge     `json:"edges"`
	Window WindowView `json:"window"`
}

// EvictionNotice lists working-set ids that may be archived by an external collaborator.
type EvictionNotice struct {
	AsOf     time.Time `json:"as_of"`
	Accounts []string  `json:"accounts"`
	Contents []string  `json:"contents"`
	Topics   []string  `json:"topics,omitempty"`
}

// Empty reports whether the notice names nothing.
func (n EvictionNotice) Empty() bool {
	return len(n.Accounts) == 0 && len(n.Contents) == 0 && len(n.Topics) == 0
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
