package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fanvault/tokend/internal/token"
)

var (
	// Purge flags
	purgeOlderThanDays int
	purgeLimit         int
	purgeDelete        bool
	purgeArchive       bool
	purgeMaxSeconds    int
)

// purgeCmd runs one retention pass and exits.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run one retention pass and exit",
	Long: `Scan the ledger for events older than the retention cutoff and print the
result as JSON. The pass is a dry run unless --delete is given; --archive
copies each row to the relational archive before deleting it.`,
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().IntVar(&purgeOlderThanDays, "older-than-days", token.DefaultPurgeOlderThanDays, "purge events created before now minus this many days")
	purgeCmd.Flags().IntVar(&purgeLimit, "limit", token.DefaultPurgeLimit, "maximum candidates per pass")
	purgeCmd.Flags().BoolVar(&purgeDelete, "delete", false, "delete rows instead of dry-running")
	purgeCmd.Flags().BoolVar(&purgeArchive, "archive", false, "copy rows to the relational archive before deleting")
	purgeCmd.Flags().IntVar(&purgeMaxSeconds, "max-seconds", token.DefaultPurgeMaxSeconds, "wall-clock budget for the pass in seconds")
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if purgeArchive && !cfg.Archive.Enabled {
		return fmt.Errorf("--archive requires archive.enabled in the configuration")
	}
	log := newLogger(cfg)

	ledger, closeStore, err := openLedger(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := ledger.PurgeOld(cmd.Context(), token.PurgeOptions{
		OlderThanDays: purgeOlderThanDays,
		Limit:         purgeLimit,
		DryRun:        !purgeDelete,
		Archive:       purgeArchive,
		MaxSeconds:    purgeMaxSeconds,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}
