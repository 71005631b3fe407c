package experiment

import (
	"fmt"
	"log"
	"math"

	"github.com/boristopalov/gladiator/pkg/core"
)

const csvHeader = "Window,Episodes,Won,Lost,Draw,Timeout,Abandoned,WinRate,MeanReturn,ReturnStdDev,MeanSteps,MissedTicks\n"

// windowStats aggregates a fixed number of consecutive episode outcomes.
type windowStats struct {
	index     int
	episodes  int
	results   map[core.Result]int
	abandoned int
	returns   []float64
	steps     float64
	missed    float64
}

func (w *windowStats) add(o core.EpisodeOutcome) {
	if w.results == nil {
		w.results = make(map[core.Result]int)
	}
	w.episodes++
	w.results[o.Result]++
	if o.Metrics["abandoned"] > 0 {
		w.abandoned++
	}
	w.returns = append(w.returns, o.Metrics["return"])
	w.steps += o.Metrics["steps"]
	w.missed += o.Metrics["missed_ticks"]
}

func (w windowStats) winRate() float64 {
	if w.episodes == 0 {
		return 0
	}
	return float64(w.results[core.ResultWon]) / float64(w.episodes) * 100
}

func (w windowStats) meanReturn() (mean, stdDev float64) {
	if len(w.returns) == 0 {
		return 0, 0
	}
	var total float64
	for _, r := range w.returns {
		total += r
	}
	mean = total / float64(len(w.returns))

	var sumSquares float64
	for _, r := range w.returns {
		diff := r - mean
		sumSquares += diff * diff
	}
	return mean, math.Sqrt(sumSquares / float64(len(w.returns)))
}

func (w windowStats) meanSteps() float64 {
	if w.episodes == 0 {
		return 0
	}
	return w.steps / float64(w.episodes)
}

func (w windowStats) print(name string) {
	mean, stdDev := w.meanReturn()
	log.Printf("=== %s window %d (%d episodes) ===", name, w.index, w.episodes)
	log.Printf("  Won/Lost/Draw/Timeout: %d/%d/%d/%d (abandoned %d)",
		w.results[core.ResultWon], w.results[core.ResultLost], w.results[core.ResultDraw], w.results[core.ResultTimeout], w.abandoned)
	log.Printf("  Win Rate: %.1f%%", w.winRate())
	log.Printf("  Return: %.3f ± %.3f", mean, stdDev)
	log.Printf("  Mean Steps: %.1f", w.meanSteps())
}

func (w windowStats) csvLine() string {
	mean, stdDev := w.meanReturn()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d,%.1f,%.4f,%.4f,%.1f,%.0f\n",
		w.index,
		w.episodes,
		w.results[core.ResultWon],
		w.results[core.ResultLost],
		w.results[core.ResultDraw],
		w.results[core.ResultTimeout],
		w.abandoned,
		w.winRate(),
		mean,
		stdDev,
		w.meanSteps(),
		w.missed,
	)
}
