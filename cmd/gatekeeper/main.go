package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/layer-3/gatekeeper/cmd/gatekeeper/commands"
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Identity rendezvous for peer-to-peer sessions",
	Long: `Gatekeeper lets peers publish where they can be reached, ask each other for
permission to connect, and prove their identities to each other before
exchanging data.`,
	SilenceUsage:      true,
	PersistentPreRunE: commands.Setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&commands.LogLevel, "log-level", "", "Override logging.level")
}

func main() {
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewKeygenCmd())
	rootCmd.AddCommand(commands.NewRegisterCmd())
	rootCmd.AddCommand(commands.NewUnregisterCmd())
	rootCmd.AddCommand(commands.NewLookupCmd())
	rootCmd.AddCommand(commands.NewListCmd())
	rootCmd.AddCommand(commands.NewConnectCmd())
	rootCmd.AddCommand(commands.NewAcceptCmd())
	rootCmd.AddCommand(commands.NewAdminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
