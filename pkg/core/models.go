package core

import (
	"fmt"
	"time"
)

// SessionID identifies one logical environment instance for its whole lifetime.
type SessionID string

// SessionState is a step of the per-session lifecycle.
type SessionState string

const (
	StateUnregistered   SessionState = "Unregistered"
	StateAwaitingReset  SessionState = "AwaitingReset"
	StateActive         SessionState = "Active"
	StateActiveTerminal SessionState = "ActiveTerminal"
)

// Result is how an episode ended, from the acting agent's point of view.
type Result string

const (
	ResultWon     Result = "WON"
	ResultLost    Result = "LOST"
	ResultTimeout Result = "TIMEOUT"
	ResultDraw    Result = "DRAW"
)

// Score maps a result to the actual score used by pairwise rating updates.
func (r Result) Score() float64 {
	switch r {
	case ResultWon:
		return 1
	case ResultLost:
		return 0
	default:
		return 0.5
	}
}

// Decisive reports whether the result was a win or a loss.
func (r Result) Decisive() bool {
	return r == ResultWon || r == ResultLost
}

func ParseResult(s string) (Result, error) {
	switch Result(s) {
	case ResultWon, ResultLost, ResultTimeout, ResultDraw:
		return Result(s), nil
	}
	return "", fmt.Errorf("unknown result %q", s)
}

// Observation is what the learner sees before choosing an action. Features
// has a fixed length per environment type; Mask holds, per action head, the
// options the world currently allows.
type Observation struct {
	Features []float64 `json:"observation"`
	Mask     [][]bool  `json:"mask"`
}

// OpponentRef names the adversary bound to an episode.
type OpponentRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// ResetResult is returned at the start of every episode.
type ResetResult struct {
	Observation
	Opponent OpponentRef `json:"opponent"`
	Episode  int         `json:"episode"`
}

// StepInfo carries per-step diagnostics alongside the transition.
type StepInfo struct {
	Tick             uint64             `json:"tick"`
	RewardComponents map[string]float64 `json:"rewardComponents,omitempty"`
	Stalled          bool               `json:"stalled,omitempty"`
	Noop             bool               `json:"noop,omitempty"`
	MissedTicks      int                `json:"missedTicks,omitempty"`
	Result           Result             `json:"result,omitempty"`
	Opponent         *OpponentRef       `json:"opponent,omitempty"`
	ResolvedAt       time.Time          `json:"resolvedAt"`
}

// StepResult is the answer to one accepted step.
type StepResult struct {
	Observation
	Reward float64  `json:"reward"`
	Done   bool     `json:"done"`
	Info   StepInfo `json:"info"`
}

// EpisodeOutcome is produced exactly once per episode termination.
type EpisodeOutcome struct {
	SessionID  SessionID          `json:"sessionId"`
	Agent      string             `json:"agent"`
	Episode    int                `json:"episode"`
	Result     Result             `json:"result"`
	OpponentID string             `json:"opponentId"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	EndedAt    time.Time          `json:"endedAt"`
}
