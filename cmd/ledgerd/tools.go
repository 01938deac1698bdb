package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [SECRET]",
	Short: "Print a bcrypt hash of SECRET or of the first line on stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHashPassword,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an access token for a user id with the configured keys",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(tokenCmd)

	hashPasswordCmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	tokenCmd.Flags().Int64("user", 0, "User id to sign for")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to LEDGER_ACCESS_TOKEN_TTL)")
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	secret, err := readSecret(args, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	cost, _ := cmd.Flags().GetInt("cost")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return nil
}

func readSecret(args []string, in io.Reader) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", fmt.Errorf("provide secret as arg or stdin")
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	userID, _ := cmd.Flags().GetInt64("user")
	if userID <= 0 {
		return fmt.Errorf("--user must be a positive user id")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.AccessTokenTTL
	}
	keyset, err := buildKeyset(cfg)
	if err != nil {
		return err
	}
	token, actor, err := platformauth.NewJWTSignerWithKeyset(keyset).SignActor(userID, time.Now().UTC(), ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", actor.ExpiresAt.Format(time.RFC3339))
	return nil
}
