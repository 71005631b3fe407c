// Package league keeps the pool of selectable opponents, picks one per
// episode and rates entries from episode outcomes.
package league

import (
	"fmt"
	"time"

	"github.com/boristopalov/gladiator/pkg/core"
)

type Kind string

const (
	KindScripted   Kind = "SCRIPTED"
	KindLiveSelf   Kind = "LIVE_SELF"
	KindCheckpoint Kind = "HISTORICAL_CHECKPOINT"
	KindExternal   Kind = "TARGETED_EXTERNAL"
)

// Opponent is the closed set of adversary variants. Each variant carries
// only the data needed to drive it.
type Opponent interface {
	opponent()
}

// Scripted is a fixed baseline behaviour.
type Scripted struct {
	Script string
}

// LiveSelf is the current policy of a learning agent.
type LiveSelf struct {
	Agent string
}

// Checkpoint is a frozen snapshot of an agent's policy.
type Checkpoint struct {
	Agent    string
	ModelRef string
	Step     int64
}

// External is a policy served outside the league, e.g. by a hosted model.
type External struct {
	Pool     string
	Provider string
	Model    string
}

func (Scripted) opponent()   {}
func (LiveSelf) opponent()   {}
func (Checkpoint) opponent() {}
func (External) opponent()   {}

func KindOf(o Opponent) Kind {
	switch o.(type) {
	case Scripted:
		return KindScripted
	case LiveSelf:
		return KindLiveSelf
	case Checkpoint:
		return KindCheckpoint
	case External:
		return KindExternal
	}
	panic(fmt.Sprintf("league: unknown opponent variant %T", o))
}

// Entry is one member of the opponent pool.
type Entry struct {
	ID           string
	Opponent     Opponent
	Rating       float64
	Weight       float64
	Retired      bool
	Exploiter    bool
	Seq          uint64
	RegisteredAt time.Time
	// Games and LearnerWins count episodes played against this entry and
	// how many of them the learner side won.
	Games       int
	LearnerWins int
}

func (e Entry) Kind() Kind {
	return KindOf(e.Opponent)
}

func (e Entry) Ref() core.OpponentRef {
	return core.OpponentRef{ID: e.ID, Kind: string(e.Kind())}
}

// LiveID is the pool id of an agent's live entry.
func LiveID(agent string) string {
	return "live:" + agent
}

func ScriptedID(script string) string {
	return "scripted:" + script
}

func CheckpointID(agent string, step int64) string {
	return fmt.Sprintf("ckpt:%s@%d", agent, step)
}
