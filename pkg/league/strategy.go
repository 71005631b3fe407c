package league

import (
	"fmt"
	"math"
)

type Strategy string

const (
	StrategySelfPlay     Strategy = "self_play"
	StrategyPastSelfPlay Strategy = "past_self_play"
	StrategyTargeted     Strategy = "targeted"
	StrategyLatest       Strategy = "latest"
	StrategyExploiter    Strategy = "exploiter"
	// StrategyScripted is the fallback when the planned strategy has no candidate.
	StrategyScripted Strategy = "scripted"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySelfPlay, StrategyPastSelfPlay, StrategyTargeted, StrategyLatest, StrategyExploiter, StrategyScripted:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Share is the target percentage of concurrently running sessions that
// should be matched using a strategy.
type Share struct {
	Strategy Strategy `mapstructure:"strategy" toml:"strategy"`
	Percent  float64  `mapstructure:"percent" toml:"percent"`
}

// Role distinguishes main learners from exploiters.
type Role string

const (
	RoleMain      Role = "main"
	RoleExploiter Role = "exploiter"
)

// plan picks the strategy whose share of the bound sessions is furthest
// below its target. counts holds the sessions currently bound per planned
// strategy. Ties go to the earlier share.
func plan(mix []Share, counts map[Strategy]int) Strategy {
	total := 0
	for _, n := range counts {
		total += n
	}
	best := Strategy("")
	bestDeficit := math.Inf(-1)
	for _, share := range mix {
		if share.Percent <= 0 {
			continue
		}
		deficit := share.Percent/100*float64(total+1) - float64(counts[share.Strategy])
		if deficit > bestDeficit {
			best, bestDeficit = share.Strategy, deficit
		}
	}
	if best == "" {
		return StrategySelfPlay
	}
	return best
}

// candidates lists the entries a strategy may pick from, with their
// sampling weights.
func (s *Scheduler) candidates(p *pool, strategy Strategy, req Request) ([]Entry, []float64) {
	switch strategy {
	case StrategySelfPlay:
		e, ok := p.get(LiveID(req.Agent))
		if !ok || e.Retired {
			return nil, nil
		}
		return []Entry{e}, []float64{1}

	case StrategyPastSelfPlay:
		entries := p.active(func(e Entry) bool {
			c, ok := e.Opponent.(Checkpoint)
			return ok && c.Agent == req.Agent
		})
		weights := make([]float64, len(entries))
		for i, e := range entries {
			weights[i] = s.priority(e)
		}
		return entries, weights

	case StrategyTargeted:
		var entries []Entry
		for _, id := range s.cfg.Targeted {
			if e, ok := p.get(id); ok && !e.Retired {
				entries = append(entries, e)
			}
		}
		return entries, uniform(len(entries))

	case StrategyLatest:
		var latest *Entry
		for _, e := range p.active(func(e Entry) bool {
			ext, ok := e.Opponent.(External)
			return ok && ext.Pool == s.cfg.ExternalPool
		}) {
			if latest == nil || e.Seq > latest.Seq {
				e := e
				latest = &e
			}
		}
		if latest == nil {
			return nil, nil
		}
		return []Entry{*latest}, []float64{1}

	case StrategyExploiter:
		entries := p.active(func(e Entry) bool {
			return e.Exploiter && e.ID != LiveID(req.Agent)
		})
		return entries, weightsOf(entries)

	case StrategyScripted:
		entries := p.active(func(e Entry) bool {
			return e.Kind() == KindScripted
		})
		return entries, weightsOf(entries)
	}
	return nil, nil
}

// priority favours checkpoints the learner rarely beats, so old skills are
// revisited before they are forgotten.
func (s *Scheduler) priority(e Entry) float64 {
	winRate := float64(e.LearnerWins+1) / float64(e.Games+2)
	w := e.Weight
	if w <= 0 {
		w = 1
	}
	return w * math.Pow(1-winRate, s.cfg.PriorityExponent)
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func weightsOf(entries []Entry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Weight
		if out[i] <= 0 {
			out[i] = 1
		}
	}
	return out
}
