// Command farmscore is the operator CLI of the farm scoring service: it
// seeds the SQLite store, runs a single scoring pass and prints rankings.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/farm-score/internal/config"
)

var dbPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "farmscore",
		Short:         "Score yield farms by safety",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetLevel(logrus.WarnLevel)
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", config.GetEnvOrDefault("DB_PATH", "farms.db"), "SQLite database path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(importCmd())
	root.AddCommand(scoreCmd())
	root.AddCommand(rankingCmd())
	return root
}
