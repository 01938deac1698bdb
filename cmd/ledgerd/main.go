// Command ledgerd serves the account ledger over HTTP and gRPC and carries
// its operational subcommands.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/config"
)

var rootCmd = &cobra.Command{
	Use:           "ledgerd",
	Short:         "Account ledger service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file (LEDGER_* env vars override it)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// buildKeyset prefers the keyset file, then the inline keyset, then the
// single shared secret.
func buildKeyset(cfg config.Config) (platformauth.HMACKeyset, error) {
	if strings.TrimSpace(cfg.JWTKeysetFile) != "" {
		return platformauth.LoadHMACKeysetFile(cfg.JWTKeysetFile)
	}
	return platformauth.ParseHMACKeyset(cfg.JWTSecret, cfg.JWTKeyset, cfg.JWTActiveKID)
}
