package schemas

import "time"

// EventKind enumerates the enriched event types accepted from upstream.
type EventKind string

const (
	EventPost    EventKind = "post"
	EventRepost  EventKind = "repost"
	EventMention EventKind = "mention"
	EventHashtag EventKind = "hashtag"
)

// Valid reports whether the kind is one the engine understands.
func (k EventKind) Valid() bool {
	switch k {
	case EventPost, EventRepost, EventMention, EventHashtag:
		return true
	}
	return false
}

// RawEvent is an enriched, deduplicated record as delivered by the ingestion collaborator.
type RawEvent struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Timestamp time.Time `json:"timestamp"`
	TargetID  string    `json:"target_id,omitempty"`
	Mentions  []string  `json:"mentions,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
}

// Event is the canonical internal form of a RawEvent produced by the normalizer.
// Mentions and Topics are de-duplicated and sorted.
type Event struct {
	Kind      EventKind
	ID        string
	AuthorID  string
	Timestamp time.Time
	TargetID  string
	Mentions  []string
	Topics    []string
}

// Content converts the event into the content record it creates.
func (e Event) Content() Content {
	return Content{
		ID:         e.ID,
		Kind:       e.Kind,
		AuthorID:   e.AuthorID,
		Timestamp:  e.Timestamp,
		OriginalID: e.TargetID,
		Mentions:   append([]string(nil), e.Mentions...),
		Topics:     append([]string(nil), e.Topics...),
	}
}
