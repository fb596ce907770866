// mcppaywall serves an MCP tool server behind a Cashu paywall and
// administers its payment records.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags every subcommand shares.
type rootOptions struct {
	configPath string
}

func (o *rootOptions) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.configPath, "config", "c", "",
		"YAML config file; MCPPAYWALL_* environment variables override it")
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "mcppaywall",
		Short:         "Cashu paywall for MCP tool servers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newStatsCmd(opts))
	rootCmd.AddCommand(newCleanupCmd(opts))
	rootCmd.AddCommand(newRetryClaimsCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))

	return rootCmd
}
