package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fanvault/tokend/internal/config"
	"github.com/fanvault/tokend/internal/logging"

	// kv backends register themselves through init.
	_ "github.com/fanvault/tokend/internal/storage/kv/leveldb"
	_ "github.com/fanvault/tokend/internal/storage/kv/memory"
	_ "github.com/fanvault/tokend/internal/storage/kv/pebble"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokend",
	Short: "tokend - virtual token ledger daemon",
	Long: `tokend is an append-oriented virtual token ledger over a key-value store.
It tracks paid and free token balances per user, supports holds with
optimistic locking, and serves a JSON-RPC API with WebSocket event
streams. One-shot subcommands cover the cron-style maintenance jobs.`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human-readable console logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}

// loadConfig resolves the configuration for one command run: the --conf file
// when given, otherwise tokend.toml from the working directory or plain
// defaults. Global flags override the file.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if debug {
		cfg.Logging.Level = "debug"
	}
	if verbose {
		cfg.Logging.Console = true
	}
	return cfg, nil
}

// newLogger builds the process logger from the resolved config.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Options{
		Level:         cfg.Logging.Level,
		Console:       cfg.Logging.Console,
		Component:     "tokend",
		ErrorTailSize: cfg.Logging.ErrorTailSize,
	})
}
