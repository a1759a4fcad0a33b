package cli

import (
	"github.com/spf13/cobra"

	"github.com/fanvault/tokend/internal/token"
)

var (
	// Expire flags
	expireGrace int64
	expireBatch int
)

// expireCmd runs one hold-expiry sweep and exits.
var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Reverse expired holds once and exit",
	Long: `Run one hold-expiry sweep against the configured storage and print the
result as JSON. Intended for cron setups that keep the daemon's built-in
expiry worker disabled. Do not point it at a store a running daemon
has open; persistent backends are single-process.`,
	RunE: runExpire,
}

func init() {
	rootCmd.AddCommand(expireCmd)

	expireCmd.Flags().Int64Var(&expireGrace, "grace", 0, "only reverse holds expired at least this many seconds ago")
	expireCmd.Flags().IntVar(&expireBatch, "batch", token.DefaultExpiryBatch, "maximum holds to reverse in one sweep")
}

func runExpire(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ledger, closeStore, err := openLedger(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := ledger.ProcessExpiredHolds(cmd.Context(), expireGrace, expireBatch)
	if err != nil {
		return err
	}
	return printJSON(result)
}
