package environment

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sync"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/core"
)

// Heads of the duel action spec, in evaluation order.
const (
	HeadAttack = iota
	HeadFood
	HeadPrayer
	HeadSpecial
	HeadMove
)

const (
	StyleNone = iota
	StyleMelee
	StyleRanged
	StyleMagic
)

const (
	MoveNone = iota
	MoveIn
	MoveOut
)

// DuelSpec is the action space of the duel world. special is only usable
// with a melee or ranged attack; moving is only possible when not attacking.
var DuelSpec = action.MustSpec(
	action.Head{Name: "attack", Options: []string{"none", "melee", "ranged", "magic"}},
	action.Head{Name: "food", Options: []string{"none", "eat"}},
	action.Head{Name: "prayer", Options: []string{"none", "melee", "ranged", "magic"}},
	action.Head{Name: "special", Options: []string{"none", "use"},
		DependsOn: []action.Dependency{{Head: HeadAttack, AnyOf: []int{StyleMelee, StyleRanged}}}},
	action.Head{Name: "move", Options: []string{"none", "in", "out"},
		DependsOn: []action.Dependency{{Head: HeadAttack, AnyOf: []int{StyleNone}}}},
)

// DuelFeatures names the observation features, in order.
var DuelFeatures = []string{
	"hp", "food", "energy",
	"prayer_none", "prayer_melee", "prayer_ranged", "prayer_magic",
	"opponent_hp",
	"opponent_prayer_none", "opponent_prayer_melee", "opponent_prayer_ranged", "opponent_prayer_magic",
	"opponent_attack_none", "opponent_attack_melee", "opponent_attack_ranged", "opponent_attack_magic",
	"distance", "time",
}

// Reward component names.
const (
	RewardDamageDealt = "damage_dealt"
	RewardDamageTaken = "damage_taken"
	RewardOutcome     = "outcome"
)

const (
	maxDistance   = 5
	specialCost   = 50
	energyRegen   = 2
	maxEnergy     = 100
	foodHeal      = 20
	hitChance     = 0.75
	prayerPercent = 40
)

var maxHit = [...]int{StyleMelee: 25, StyleRanged: 20, StyleMagic: 22}

type DuelConfig struct {
	Seed            int64
	MaxEpisodeTicks int
	MaxHP           int
	Food            int
}

func DefaultDuelConfig() DuelConfig {
	return DuelConfig{
		MaxEpisodeTicks: 500,
		MaxHP:           99,
		Food:            4,
	}
}

type fighter struct {
	hp         int
	food       int
	energy     int
	prayer     int
	lastAttack int
}

type arena struct {
	mu       sync.Mutex
	episode  int
	tick     int
	distance int
	me       fighter
	opp      fighter
	rng      *rand.Rand
	opponent Opponent
	done     bool
}

// DuelWorld is the reference world: two fighters trading melee, ranged
// and magic attacks with protection prayers, food and a special attack.
type DuelWorld struct {
	cfg    DuelConfig
	mu     sync.RWMutex
	arenas map[core.SessionID]*arena
}

var (
	_ World     = (*DuelWorld)(nil)
	_ Inspector = (*DuelWorld)(nil)
)

func NewDuelWorld(cfg DuelConfig) *DuelWorld {
	def := DefaultDuelConfig()
	if cfg.MaxEpisodeTicks <= 0 {
		cfg.MaxEpisodeTicks = def.MaxEpisodeTicks
	}
	if cfg.MaxHP <= 0 {
		cfg.MaxHP = def.MaxHP
	}
	if cfg.Food <= 0 {
		cfg.Food = def.Food
	}
	return &DuelWorld{
		cfg:    cfg,
		arenas: make(map[core.SessionID]*arena),
	}
}

func (w *DuelWorld) Spec() *action.Spec {
	return DuelSpec
}

func (w *DuelWorld) ObservationSize() int {
	return len(DuelFeatures)
}

// episodeSeed is fixed by the world seed, the session id and the episode
// number of that session.
func (w *DuelWorld) episodeSeed(id core.SessionID, episode int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return w.cfg.Seed ^ int64(h.Sum64()) + int64(episode)*7919
}

func (w *DuelWorld) ResetWorld(_ context.Context, id core.SessionID, opp Opponent) (core.Observation, error) {
	if opp.Policy == nil {
		return core.Observation{}, fmt.Errorf("session %s: opponent %s has no policy", id, opp.Ref.ID)
	}

	w.mu.Lock()
	a, ok := w.arenas[id]
	if !ok {
		a = &arena{}
		w.arenas[id] = a
	}
	w.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.episode++
	a.rng = rand.New(rand.NewSource(w.episodeSeed(id, a.episode)))
	a.tick = 0
	a.done = false
	a.distance = 1 + a.rng.Intn(maxDistance)
	a.me = fighter{hp: w.cfg.MaxHP, food: w.cfg.Food, energy: maxEnergy}
	a.opp = a.me
	a.opponent = opp
	return w.observe(a, &a.me, &a.opp), nil
}

func (w *DuelWorld) StepWorld(ctx context.Context, id core.SessionID, act []int) (Transition, error) {
	w.mu.RLock()
	a, ok := w.arenas[id]
	w.mu.RUnlock()
	if !ok {
		return Transition{}, core.Errorf(core.CodeUnknownSession, "no world for session %s", id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return Transition{}, core.Errorf(core.CodeEpisodeEnded, "session %s episode %d is over", id, a.episode)
	}

	// The learner's mask may have changed since it chose the action.
	if err := DuelSpec.Validate(act, w.masks(a, &a.me)); err != nil {
		return Transition{}, err
	}
	mine := act
	oppObs := w.observe(a, &a.opp, &a.me)
	theirs, err := a.opponent.Policy.Act(ctx, oppObs, a.rng)
	if err != nil {
		log.Printf("[world] Warning: opponent %s failed on session %s: %v", a.opponent.Ref.ID, id, err)
		theirs = DuelSpec.Noop()
	}
	theirs = DuelSpec.Complete(theirs, oppObs.Mask)

	dealt, taken := w.resolve(a, mine, theirs)
	a.tick++

	t := Transition{
		Rewards: map[string]float64{
			RewardDamageDealt: float64(dealt) / float64(w.cfg.MaxHP),
			RewardDamageTaken: -float64(taken) / float64(w.cfg.MaxHP),
		},
	}

	switch {
	case a.me.hp <= 0 && a.opp.hp <= 0:
		t.Terminal, t.Result = true, core.ResultDraw
	case a.me.hp <= 0:
		t.Terminal, t.Result = true, core.ResultLost
	case a.opp.hp <= 0:
		t.Terminal, t.Result = true, core.ResultWon
	case a.tick >= w.cfg.MaxEpisodeTicks:
		t.Terminal, t.Result = true, core.ResultTimeout
	}
	if t.Terminal {
		a.done = true
		switch t.Result {
		case core.ResultWon:
			t.Rewards[RewardOutcome] = 1
		case core.ResultLost:
			t.Rewards[RewardOutcome] = -1
		default:
			t.Rewards[RewardOutcome] = 0
		}
		t.Metrics = map[string]float64{
			"ticks":       float64(a.tick),
			"hp":          float64(max(a.me.hp, 0)),
			"opponent_hp": float64(max(a.opp.hp, 0)),
		}
	}
	t.Observation = w.observe(a, &a.me, &a.opp)
	return t, nil
}

// resolve applies both actions. Random draws happen in a fixed order so
// the outcome only depends on the episode seed and the actions.
func (w *DuelWorld) resolve(a *arena, mine, theirs []int) (dealt, taken int) {
	for _, m := range []int{mine[HeadMove], theirs[HeadMove]} {
		switch m {
		case MoveIn:
			a.distance = max(1, a.distance-1)
		case MoveOut:
			a.distance = min(maxDistance, a.distance+1)
		}
	}

	a.me.prayer = mine[HeadPrayer]
	a.opp.prayer = theirs[HeadPrayer]

	myAttack := w.prepare(&a.me, mine)
	theirAttack := w.prepare(&a.opp, theirs)

	dealt = w.hit(a, &a.me, &a.opp, myAttack, mine[HeadSpecial] == 1)
	taken = w.hit(a, &a.opp, &a.me, theirAttack, theirs[HeadSpecial] == 1)
	a.opp.hp -= dealt
	a.me.hp -= taken

	a.me.energy = min(maxEnergy, a.me.energy+energyRegen)
	a.opp.energy = min(maxEnergy, a.opp.energy+energyRegen)
	return dealt, taken
}

// prepare handles eating, which costs the attack of that tick.
func (w *DuelWorld) prepare(f *fighter, act []int) int {
	style := act[HeadAttack]
	if act[HeadFood] == 1 && f.food > 0 {
		f.food--
		f.hp = min(w.cfg.MaxHP, f.hp+foodHeal)
		style = StyleNone
	}
	f.lastAttack = style
	return style
}

func (w *DuelWorld) hit(a *arena, attacker, defender *fighter, style int, special bool) int {
	if style == StyleNone {
		return 0
	}
	if special && attacker.energy >= specialCost {
		attacker.energy -= specialCost
	} else {
		special = false
	}
	roll := a.rng.Float64()
	dmg := a.rng.Intn(maxHit[style] + 1)
	if style == StyleMelee && a.distance > 1 {
		return 0
	}
	if roll >= hitChance {
		return 0
	}
	if special {
		dmg = dmg * 3 / 2
	}
	if defender.prayer == style {
		dmg = dmg * prayerPercent / 100
	}
	return dmg
}

func (w *DuelWorld) masks(a *arena, self *fighter) [][]bool {
	return [][]bool{
		{true, a.distance == 1, true, true},
		{true, self.food > 0 && self.hp < w.cfg.MaxHP},
		{true, true, true, true},
		{true, self.energy >= specialCost},
		{true, a.distance > 1, a.distance < maxDistance},
	}
}

func (w *DuelWorld) observe(a *arena, self, other *fighter) core.Observation {
	x := make([]float64, len(DuelFeatures))
	x[0] = float64(max(self.hp, 0)) / float64(w.cfg.MaxHP)
	x[1] = float64(self.food) / float64(w.cfg.Food)
	x[2] = float64(self.energy) / maxEnergy
	x[3+self.prayer] = 1
	x[7] = float64(max(other.hp, 0)) / float64(w.cfg.MaxHP)
	x[8+other.prayer] = 1
	x[12+other.lastAttack] = 1
	x[16] = float64(a.distance) / maxDistance
	x[17] = float64(a.tick) / float64(w.cfg.MaxEpisodeTicks)
	return core.Observation{Features: x, Mask: w.masks(a, self)}
}

func (w *DuelWorld) Close(id core.SessionID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.arenas, id)
}

func (w *DuelWorld) Inspect(id core.SessionID) (map[string]any, bool) {
	w.mu.RLock()
	a, ok := w.arenas[id]
	w.mu.RUnlock()
	if !ok {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"episode":     a.episode,
		"tick":        a.tick,
		"distance":    a.distance,
		"hp":          a.me.hp,
		"opponent_hp": a.opp.hp,
		"food":        a.me.food,
		"energy":      a.me.energy,
		"done":        a.done,
	}, true
}
