package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/boristopalov/gladiator/internal/storage"
	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/clock"
	"github.com/boristopalov/gladiator/pkg/config"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/environment"
	"github.com/boristopalov/gladiator/pkg/gateway"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/boristopalov/gladiator/pkg/messaging"
	"github.com/boristopalov/gladiator/pkg/providers"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the environment gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.LoadConfig(path)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.RatingStore, error) {
	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		storage.CloseIfSupported(store)
		return nil, fmt.Errorf("init rating store: %w", err)
	}
	return store, nil
}

// newScheduler builds the league from the pool file plus the scripted
// baselines, which are always available as a fallback.
func newScheduler(cfg *config.Config, store storage.RatingStore, broker messaging.Broker) (*league.Scheduler, error) {
	scheduler := league.NewScheduler(cfg.League, league.WithRatingStore(store), league.WithBroker(broker))

	var entries []league.Entry
	if cfg.League.PoolFile != "" {
		loaded, err := league.LoadPoolFile(cfg.League.PoolFile)
		if err != nil {
			return nil, err
		}
		entries = loaded
	}
	for _, script := range agent.Scripts() {
		entries = append(entries, league.Entry{
			ID:       league.ScriptedID(script),
			Opponent: league.Scripted{Script: script},
		})
	}
	if err := scheduler.Seed(entries); err != nil {
		return nil, fmt.Errorf("seed opponent pool: %w", err)
	}
	log.Printf("[league] pool has %d entries", len(scheduler.Entries()))
	return scheduler, nil
}

func newGateway(cfg *config.Config, scheduler *league.Scheduler, broker messaging.Broker) (*gateway.Gateway, error) {
	mode, err := clock.ParseMode(cfg.Gateway.ClockMode)
	if err != nil {
		return nil, err
	}
	world := environment.NewDuelWorld(environment.DuelConfig{
		Seed:            cfg.Gateway.Seed,
		MaxEpisodeTicks: cfg.Gateway.MaxEpisodeTicks,
	})
	resolver := agent.NewResolver(world.Spec(), world.ObservationSize(),
		agent.WithObservationNames(environment.DuelFeatures),
		agent.WithProviderFactory(func(ctx context.Context, provider string) (providers.Client, error) {
			if provider == "" {
				provider = cfg.Providers.Kind
			}
			return providers.New(ctx, provider,
				providers.WithBaseURL(cfg.Providers.BaseURL),
				providers.WithAPIKey(cfg.Providers.APIKey),
				providers.WithTimeout(cfg.Providers.Timeout),
			)
		}),
	)

	return gateway.New(gateway.Config{
		MaxSessions:      cfg.Gateway.MaxSessions,
		AllowForcedReset: cfg.Gateway.AllowForcedReset,
		HistorySize:      cfg.Gateway.HistorySize,
		Clock: clock.Config{
			Mode:         mode,
			TickPeriod:   cfg.Gateway.TickPeriod,
			StallTimeout: cfg.Gateway.StallTimeout,
		},
	}, world, scheduler, resolver, gateway.WithBroker(broker))
}

// journal logs outcomes and rating changes published on the broker.
func journal(ctx context.Context, broker messaging.Broker) error {
	ch := make(chan messaging.Message, 256)
	if err := broker.Subscribe("journal", ch, messaging.TopicOutcome, messaging.TopicRating); err != nil {
		return err
	}
	go func() {
		defer broker.Unsubscribe("journal")
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				switch p := msg.Payload.(type) {
				case core.EpisodeOutcome:
					log.Printf("[journal] %s episode %d: %s vs %s", p.SessionID, p.Episode, p.Result, p.OpponentID)
				case league.RatingUpdate:
					log.Printf("[journal] %s %.1f (%+.1f) vs %s %.1f",
						p.Agent.EntryID, p.Agent.Rating, p.Agent.Delta, p.Opponent.EntryID, p.Opponent.Rating)
				}
			}
		}
	}()
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.CloseIfSupported(store)

	broker := messaging.NewBroker()
	defer broker.Reset()
	if err := journal(ctx, broker); err != nil {
		return err
	}

	scheduler, err := newScheduler(cfg, store, broker)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, scheduler, broker)
	if err != nil {
		return err
	}

	srv := gateway.NewServer(gw)
	if _, err := srv.Listen(cfg.Gateway.Addr); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Run(ctx); err != nil {
			log.Printf("[gateway] Warning: clock stopped: %v", err)
		}
	}()

	err = srv.Serve(ctx)
	cancel()
	gw.Shutdown()
	wg.Wait()

	if cfg.League.PoolFile != "" {
		if saveErr := scheduler.Save(); saveErr != nil {
			log.Printf("[league] Warning: failed to save pool file: %v", saveErr)
		}
	}
	return err
}
