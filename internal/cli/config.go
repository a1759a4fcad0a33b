package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fanvault/tokend/internal/config"
)

// configCmd writes a starter configuration file.
var configCmd = &cobra.Command{
	Use:   "config [path]",
	Short: "Write an example configuration file",
	Long: `Write an example tokend.toml covering the settings a deployment typically
changes. Refuses to overwrite an existing file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigPath
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.SaveExampleConfig(path); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("Wrote example configuration to %s\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
