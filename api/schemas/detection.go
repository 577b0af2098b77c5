package schemas

import (
	"sort"
	"time"
)

// DetectorKind names one of the independent signal families.
type DetectorKind string

const (
	DetectorCoordinatedRepost DetectorKind = "coordinated_repost"
	DetectorBotRate           DetectorKind = "bot_rate"
	DetectorSockPuppet        DetectorKind = "sock_puppet"
)

// AllDetectorKinds lists the fixed detector set in evaluation order.
var AllDetectorKinds = []DetectorKind{DetectorCoordinatedRepost, DetectorBotRate, DetectorSockPuppet}

// Subject is what a candidate or alert is about: one account, or an unordered pair.
// Pairs are always stored canonically with Primary < Secondary.
type Subject struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// AccountSubject builds a single-account subject.
func AccountSubject(id string) Subject {
	return Subject{Primary: id}
}

// PairSubject builds the canonical subject for an account pair.
func PairSubject(a, b string) Subject {
	if b < a {
		a, b = b, a
	}
	return Subject{Primary: a, Secondary: b}
}

// IsPair reports whether the subject names two accounts.
func (s Subject) IsPair() bool { return s.Secondary != "" }

// Accounts returns the account ids named by the subject.
func (s Subject) Accounts() []string {
	if s.IsPair() {
		return []string{s.Primary, s.Secondary}
	}
	return []string{s.Primary}
}

// Key is the lexicographic identity used for ordering and deduplication.
func (s Subject) Key() string {
	if s.IsPair() {
		return s.Primary + "|" + s.Secondary
	}
	return s.Primary
}

func (s Subject) String() string { return s.Key() }

// Candidate is one detector finding for a single tick.
type Candidate struct {
	Subject    Subject      `json:"subject"`
	Kind       DetectorKind `json:"kind"`
	Score      float64      `json:"score"`
	Count      int          `json:"count,omitempty"`
	Value      float64      `json:"value,omitempty"`
	ObservedAt time.Time    `json:"observed_at"`
}

// SortCandidates orders by score descending, ties broken by subject key ascending.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if ki, kj := cs[i].Subject.Key(), cs[j].Subject.Key(); ki != kj {
			return ki < kj
		}
		return cs[i].Kind < cs[j].Kind
	})
}

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	AlertNone     AlertState = "none"
	AlertPending  AlertState = "pending"
	AlertActive   AlertState = "active"
	AlertResolved AlertState = "resolved"
)

// Alert is created and mutated only by the alert state machine.
type Alert struct {
	ID             string       `json:"id"`
	Subject        Subject      `json:"subject"`
	Kind           DetectorKind `json:"kind"`
	Score          float64      `json:"score"`
	FirstTriggered time.Time    `json:"first_triggered"`
	LastUpdated    time.Time    `json:"last_updated"`
	State          AlertState   `json:"state"`
}

// AlertKey is the deduplication key: subject + kind.
type AlertKey struct {
	Subject string
	Kind    DetectorKind
}

// Key returns the deduplication key of the alert.
func (a Alert) Key() AlertKey {
	return AlertKey{Subject: a.Subject.Key(), Kind: a.Kind}
}

// AlertTransition is the event emitted to the alert sink for every state change.
type AlertTransition struct {
	AlertID   string       `json:"alert_id"`
	Subject   Subject      `json:"subject"`
	Kind      DetectorKind `json:"kind"`
	OldState  AlertState   `json:"old_state"`
	NewState  AlertState   `json:"new_state"`
	Score     float64      `json:"score"`
	Timestamp time.Time    `json:"timestamp"`
}

// SortAlerts orders alerts by subject key, then kind, for reproducible output.
func SortAlerts(as []Alert) {
	sort.Slice(as, func(i, j int) bool {
		if ki, kj := as[i].Subject.Key(), as[j].Subject.Key(); ki != kj {
			return ki < kj
		}
		if as[i].Kind != as[j].Kind {
			return as[i].Kind < as[j].Kind
		}
		return as[i].FirstTriggered.Before(as[j].FirstTriggered)
	})
}
