package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/yourorg/farm-score/internal/config"
	"github.com/yourorg/farm-score/internal/eligibility"
	"github.com/yourorg/farm-score/internal/engine"
	"github.com/yourorg/farm-score/internal/export"
	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/store"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert farm records from a JSON array into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			db, err := store.New(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := importFarms(cmd, db, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d farms into %s\n", n, dbPath)
			return nil
		},
	}
}

func importFarms(cmd *cobra.Command, db *store.SQLiteStore, r io.Reader) (int, error) {
	var farms []model.Farm
	if err := json.NewDecoder(r).Decode(&farms); err != nil {
		return 0, fmt.Errorf("decode farms: %w", err)
	}
	for _, f := range farms {
		if err := db.UpsertFarm(cmd.Context(), f); err != nil {
			return 0, err
		}
	}
	return len(farms), nil
}

func scoreCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Run one scoring pass over the store and print the ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := store.New(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			pass, err := engine.New(db, engine.Options{
				Eligibility:     eligibility.FromConfig(cfg.Eligibility),
				Workers:         cfg.Workers,
				PersistAttempts: cfg.PersistAttempts,
				PersistBackoff:  cfg.PersistBackoff,
			}).Run(cmd.Context())
			if err != nil {
				return err
			}

			report := export.BuildReport(pass, top)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pass %s: %d farms, %d eligible, %d diagnostics, %d write failures\n",
				report.PassID, report.Population, report.Eligible, report.Diagnostics, report.PersistFailures)
			if report.Degenerate {
				fmt.Fprintln(out, "all eligible farms scored alike: final scores are 0")
			}
			return renderRanking(out, report.Ranking)
		},
	}
	cmd.Flags().IntVar(&top, "top", 20, "farms to show (0 = all)")
	return cmd
}

func rankingCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Print the stored ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.New(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ranked, err := db.Ranking(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ranked)
			}
			return renderRanking(cmd.OutOrStdout(), ranked)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max farms to show (0 = all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// renderRanking prints scored farms as a table, in the given order
func renderRanking(w io.Writer, farms []model.ScoredFarm) error {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Farm", "TVL", "Base APR", "Reward APR", "Rewards", "Total")

	for i, f := range farms {
		if err := table.Append(
			fmt.Sprintf("%d", i+1),
			f.FarmID.String(),
			fmt.Sprintf("%.2f", f.TVL),
			fmt.Sprintf("%.2f", f.BaseAPR),
			fmt.Sprintf("%.2f", f.RewardAPR),
			fmt.Sprintf("%.2f", f.Rewards),
			fmt.Sprintf("%.4f", f.Total),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
