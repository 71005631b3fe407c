package experiment

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/core"
)

// Runner drives a learner through episodes, e.g. *client.Orchestrator.
type Runner interface {
	Run(ctx context.Context, learner core.Learner) error
}

// Status reports whether a run is in progress.
type Status struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	Episodes  int
}

// TrainingExperiment runs a learner against the gateway and reports
// per-window outcome statistics to the log and a CSV stats file.
type TrainingExperiment struct {
	name    string
	runner  Runner
	learner core.Learner
	window  int

	mu        sync.Mutex
	status    Status
	current   windowStats
	windows   []windowStats
	statsFile *os.File
}

var (
	_ core.Learner    = (*TrainingExperiment)(nil)
	_ agent.SpecAware = (*TrainingExperiment)(nil)
)

// NewTrainingExperiment creates the experiment. An empty statsPath writes
// to a timestamped file in the working directory.
func NewTrainingExperiment(name string, runner Runner, learner core.Learner, window int, statsPath string) (*TrainingExperiment, error) {
	if runner == nil || learner == nil {
		return nil, fmt.Errorf("experiment %s needs a runner and a learner", name)
	}
	if window <= 0 {
		window = 10
	}
	if statsPath == "" {
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		statsPath = fmt.Sprintf("%s_stats_%s.csv", name, timestamp)
	}

	statsFile, err := os.Create(statsPath)
	if err != nil {
		log.Printf("Warning: Failed to create stats file: %v", err)
		statsFile = nil
	} else if _, err := statsFile.WriteString(csvHeader); err != nil {
		log.Printf("Warning: Failed to write to stats file: %v", err)
	}

	return &TrainingExperiment{
		name:      name,
		runner:    runner,
		learner:   learner,
		window:    window,
		current:   windowStats{index: 1},
		statsFile: statsFile,
	}, nil
}

// Run blocks until the runner returns. The last partial window is flushed.
func (e *TrainingExperiment) Run(ctx context.Context) error {
	e.mu.Lock()
	e.status.Running = true
	e.status.StartTime = time.Now()
	e.mu.Unlock()
	log.Printf("Starting experiment %s", e.name)

	err := e.runner.Run(ctx, e)

	e.mu.Lock()
	if e.current.episodes > 0 {
		e.flush()
	}
	e.status.Running = false
	e.status.EndTime = time.Now()
	if e.statsFile != nil {
		e.statsFile.Close()
		e.statsFile = nil
	}
	episodes := e.status.Episodes
	e.mu.Unlock()

	log.Printf("Experiment %s finished after %d episodes", e.name, episodes)
	if err != nil {
		return fmt.Errorf("experiment %s: %w", e.name, err)
	}
	return nil
}

func (e *TrainingExperiment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *TrainingExperiment) UseSpec(spec *action.Spec) {
	if aware, ok := e.learner.(agent.SpecAware); ok {
		aware.UseSpec(spec)
	}
}

func (e *TrainingExperiment) Act(ctx context.Context, slot int, obs core.Observation) ([]int, error) {
	return e.learner.Act(ctx, slot, obs)
}

func (e *TrainingExperiment) Observe(ctx context.Context, slot int, step core.StepResult) {
	e.learner.Observe(ctx, slot, step)
}

func (e *TrainingExperiment) ConsumeOutcome(outcome core.EpisodeOutcome) {
	e.learner.ConsumeOutcome(outcome)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Episodes++
	e.current.add(outcome)
	if e.current.episodes >= e.window {
		e.flush()
	}
}

// flush reports and closes the current window. Callers hold mu.
func (e *TrainingExperiment) flush() {
	w := e.current
	e.windows = append(e.windows, w)
	e.current = windowStats{index: w.index + 1}

	w.print(e.name)
	if e.statsFile != nil {
		if _, err := e.statsFile.WriteString(w.csvLine()); err != nil {
			log.Printf("Warning: Failed to write to stats file: %v", err)
		}
	}
}
