package league

import (
	"math"

	"github.com/boristopalov/gladiator/pkg/core"
)

// Expected is the Elo expected score of a player rated ra against rb.
func Expected(ra, rb float64) float64 {
	return 1 / (1 + math.Pow(10, (rb-ra)/400))
}

// RatingDelta is the change applied to the acting agent's rating; the
// opponent moves by the same amount in the other direction. Draws and
// timeouts are scored 0.5 and move at half the K-factor.
func RatingDelta(agent, opponent float64, result core.Result, k, maxStep float64) float64 {
	if !result.Decisive() {
		k /= 2
	}
	delta := k * (result.Score() - Expected(agent, opponent))
	if maxStep > 0 {
		delta = math.Max(-maxStep, math.Min(maxStep, delta))
	}
	return delta
}
