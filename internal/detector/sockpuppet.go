package detector

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// SockPuppet pairs accounts whose recent topic usage overlaps heavily.
type SockPuppet struct {
	horizon time.Duration
	cfg     config.SockPuppetConfig
}

// NewSockPuppet creates the detector.
func NewSockPuppet(horizon time.Duration, cfg config.SockPuppetConfig) *SockPuppet {
	return &SockPuppet{horizon: horizon, cfg: cfg}
}

func (d *SockPuppet) Kind() schemas.DetectorKind { return schemas.DetectorSockPuppet }

// Evaluate builds per-account topic sets from content in the horizon, then
// scores every pair that shares at least one topic by Jaccard similarity.
// Accounts with identical topic sets form one group and pair with each other
// at similarity 1. Groups are related through a topic index; when
// MaxTopicFanout is set, topics shared by more groups than that do not relate
// groups on their own.
func (d *SockPuppet) Evaluate(ctx context.Context, snap *schemas.GraphSnapshot, _ schemas.WindowView) ([]schemas.Candidate, error) {
	sets := make(map[string]map[string]struct{})
	for _, c := range snap.Contents {
		if len(c.Topics) == 0 || !inHorizon(c.Timestamp, snap.AsOf, d.horizon) {
			continue
		}
		set, ok := sets[c.AuthorID]
		if !ok {
			set = make(map[string]struct{})
			sets[c.AuthorID] = set
		}
		for _, t := range c.Topics {
			set[t] = struct{}{}
		}
	}

	bySignature := make(map[string]*topicGroup)
	for id, set := range sets {
		if len(set) < d.cfg.MinTopics {
			continue
		}
		key := signature(set)
		g, ok := bySignature[key]
		if !ok {
			g = &topicGroup{topics: set}
			bySignature[key] = g
		}
		g.members = append(g.members, id)
	}
	keys := make([]string, 0, len(bySignature))
	for k := range bySignature {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	groups := make([]*topicGroup, len(keys))
	index := make(map[string][]int)
	for i, k := range keys {
		g := bySignature[k]
		sort.Strings(g.members)
		groups[i] = g
		for t := range g.topics {
			index[t] = append(index[t], i)
		}
	}

	steps := 0
	tick := func() error {
		if steps++; steps%checkEvery == 0 {
			return ctx.Err()
		}
		return nil
	}

	related := make(map[[2]int]struct{})
	for _, gs := range index {
		if len(gs) < 2 || (d.cfg.MaxTopicFanout > 0 && len(gs) > d.cfg.MaxTopicFanout) {
			continue
		}
		for i := range gs {
			for j := i + 1; j < len(gs); j++ {
				if err := tick(); err != nil {
					return nil, err
				}
				related[[2]int{gs[i], gs[j]}] = struct{}{}
			}
		}
	}

	var out []schemas.Candidate
	emit := func(a, b string, inter int, j float64) error {
		if err := tick(); err != nil {
			return err
		}
		out = append(out, schemas.Candidate{
			Subject:    schemas.PairSubject(a, b),
			Kind:       schemas.DetectorSockPuppet,
			Score:      j,
			Count:      inter,
			Value:      j,
			ObservedAt: snap.AsOf,
		})
		return nil
	}

	if d.cfg.JaccardThreshold <= 1 {
		for _, g := range groups {
			for i := range g.members {
				for j := i + 1; j < len(g.members); j++ {
					if err := emit(g.members[i], g.members[j], len(g.topics), 1); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	for p := range related {
		ga, gb := groups[p[0]], groups[p[1]]
		inter, union := overlap(ga.topics, gb.topics)
		if union == 0 {
			continue
		}
		j := float64(inter) / float64(union)
		if j < d.cfg.JaccardThreshold {
			continue
		}
		for _, a := range ga.members {
			for _, b := range gb.members {
				if err := emit(a, b, inter, j); err != nil {
					return nil, err
				}
			}
		}
	}
	schemas.SortCandidates(out)
	return out, nil
}

// topicGroup is the set of accounts sharing one exact topic set.
type topicGroup struct {
	topics  map[string]struct{}
	members []string
}

func signature(set map[string]struct{}) string {
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return strings.Join(topics, "\x00")
}

func overlap(a, b map[string]struct{}) (inter, union int) {
	if len(b) < len(a) {
		a, b = b, a
	}
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return inter, len(a) + len(b) - inter
}
