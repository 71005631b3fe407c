package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/boristopalov/gladiator/internal/storage"
	"github.com/boristopalov/gladiator/pkg/config"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/spf13/cobra"
)

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the opponent pool",
	}

	cmd.AddCommand(
		newPoolListCmd(),
		newPoolHistoryCmd(),
		newPoolCheckpointCmd(),
		newPoolRetireCmd(),
	)
	return cmd
}

func newPoolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the entries of the pool file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.League.PoolFile == "" {
				return fmt.Errorf("league.pool_file is not configured")
			}
			entries, err := league.LoadPoolFile(cfg.League.PoolFile)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "pool is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tKIND\tRATING\tWEIGHT\tGAMES\tLEARNER WINS\tSTATUS")
			for _, e := range entries {
				status := "active"
				if e.Retired {
					status = "retired"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%.1f\t%.2f\t%d\t%d\t%s\n", e.ID, e.Kind(), e.Rating, e.Weight, e.Games, e.LearnerWins, status)
			}
			return w.Flush()
		},
	}
}

func newPoolHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <entry>",
		Short: "Show the rating history of a pool entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer storage.CloseIfSupported(store)

			records, err := store.RatingHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no rating history for %s\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RECORDED\tRATING\tDELTA\tRESULT\tOPPONENT\tSESSION")
			for _, r := range records {
				_, _ = fmt.Fprintf(w, "%s\t%.1f\t%+.1f\t%s\t%s\t%s\n",
					r.RecordedAt.Format(time.RFC3339), r.Rating, r.Delta, r.Result, r.OpponentID, r.SessionID)
			}
			return w.Flush()
		},
	}
}

// editPool loads the pool file into a scheduler, applies fn and writes the
// result back, so rotation follows the configured league limits.
func editPool(cfg *config.Config, fn func(*league.Scheduler) error) error {
	if cfg.League.PoolFile == "" {
		return fmt.Errorf("league.pool_file is not configured")
	}
	entries, err := league.LoadPoolFile(cfg.League.PoolFile)
	if err != nil {
		return err
	}
	scheduler := league.NewScheduler(cfg.League)
	if err := scheduler.Seed(entries); err != nil {
		return fmt.Errorf("seed opponent pool: %w", err)
	}
	if err := fn(scheduler); err != nil {
		return err
	}
	return scheduler.Save()
}

func newPoolCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <agent> <model-ref> <step>",
		Short: "Register a frozen checkpoint of an agent in the pool file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			step, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid step %q: %w", args[2], err)
			}
			return editPool(cfg, func(s *league.Scheduler) error {
				e, err := s.RegisterCheckpoint(args[0], args[1], step)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "registered %s at rating %.1f\n", e.ID, e.Rating)
				return nil
			})
		},
	}
}

func newPoolRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <entry>",
		Short: "Exclude a pool entry from future matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return editPool(cfg, func(s *league.Scheduler) error {
				if err := s.Retire(args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
				return nil
			})
		},
	}
}
