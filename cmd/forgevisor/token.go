package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the API token",
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash [token]",
	Short: "Hash an API token for api.token_hash",
	Long: `Print the bcrypt hash of an API token.

Put the hash in api.token_hash on the daemon and the token itself in
daemon.token (or pass --token) on the CLI. Without an argument a random
token is generated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTokenHash,
}

func init() {
	tokenHashCmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")

	tokenCmd.AddCommand(tokenHashCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenHash(cmd *cobra.Command, args []string) error {
	cost, _ := cmd.Flags().GetInt("cost")

	token := ""
	if len(args) > 0 {
		token = args[0]
	}
	generated := token == ""
	if generated {
		token = uuid.NewString()
	}

	hash, err := hashToken(token, cost)
	if err != nil {
		return err
	}

	if generated {
		fmt.Printf("token:      %s\n", token)
	}
	fmt.Printf("token_hash: %s\n", hash)
	return nil
}

func hashToken(token string, cost int) (string, error) {
	if len(token) > 72 {
		return "", fmt.Errorf("token longer than 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}
