package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/client"
	"github.com/boristopalov/gladiator/pkg/config"
	"github.com/boristopalov/gladiator/pkg/experiment"
	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training experiment against a gateway with the masked random learner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if episodes, _ := cmd.Flags().GetInt("episodes"); episodes > 0 {
				cfg.Experiment.Episodes = episodes
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Client.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return train(ctx, cfg)
		},
	}
	cmd.Flags().Int("episodes", 0, "number of episodes to run (overrides experiment.episodes)")
	cmd.Flags().String("addr", "", "gateway address (overrides client.addr)")
	return cmd
}

func train(ctx context.Context, cfg *config.Config) error {
	orchestrator := client.NewOrchestrator(client.Config{
		Addr:           cfg.Client.Addr,
		Concurrency:    cfg.Client.Concurrency,
		Agent:          cfg.Client.Agent,
		Role:           cfg.Client.Role,
		RequestTimeout: cfg.Client.RequestTimeout,
		StepTimeout:    cfg.Client.StepTimeout,
		Backoff:        cfg.Client.Backoff,
		MaxEpisodes:    cfg.Experiment.Episodes,
	}, client.WithErrorHandler(func(slot int, err error) {
		log.Printf("[client] slot %d out of rotation: %v", slot, err)
	}))

	learner := agent.NewRandomLearner(nil, cfg.Experiment.Seed)
	exp, err := experiment.NewTrainingExperiment(cfg.Experiment.Name, orchestrator, learner, cfg.Experiment.Window, cfg.Experiment.StatsPath)
	if err != nil {
		return err
	}
	if err := exp.Run(ctx); err != nil {
		return err
	}

	for _, slot := range orchestrator.Slots() {
		log.Printf("[client] slot %d (%s): %s, %d episodes, %d retries", slot.Index, slot.SessionID, slot.State, slot.Episodes, slot.Retries)
	}
	return nil
}
