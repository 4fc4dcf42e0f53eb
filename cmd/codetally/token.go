package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/codetally/codetally/internal/config"
	"github.com/codetally/codetally/internal/credstore"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var tokenRevealFlag bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the API token",
	Long: `Manage the API token the agent authenticates with. The token is stored
in the credentials file with owner-only permissions; the server only
ever sees its hash.`,
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and store a new API token",
	Long: `Generate a new random API token and store it in the credentials file.
The first sync with a new token claims your user id on the server;
generating a new token after that requires re-registering.`,
	RunE: runTokenGenerate,
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored API token",
	RunE:  runTokenShow,
}

func init() {
	tokenShowCmd.Flags().BoolVar(&tokenRevealFlag, "reveal", false, "Print the full token instead of a masked version")

	tokenCmd.AddCommand(tokenGenerateCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	creds := credstore.New(cfg.Agent.CredentialsPath)

	if existing := creds.Get(credstore.TokenKey); existing != "" {
		color.Yellow("A token already exists; generating a new one replaces it.")
		color.Yellow("Data synced under the old token stays bound to the old registration.")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if err := creds.Set(credstore.TokenKey, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	color.Green("✓ Token generated and stored in %s", cfg.Agent.CredentialsPath)
	fmt.Println()
	fmt.Println("Token:", token)
	fmt.Println()
	fmt.Println("Keep this token safe. The dashboard uses it to read your stats.")
	return nil
}

func runTokenShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	creds := credstore.New(cfg.Agent.CredentialsPath)
	token := creds.Get(credstore.TokenKey)
	if token == "" {
		color.Red("No token stored. Run \"codetally token generate\" first.")
		return nil
	}

	if tokenRevealFlag {
		fmt.Println(token)
		return nil
	}

	masked := token
	if len(masked) > 8 {
		masked = masked[:4] + "..." + masked[len(masked)-4:]
	}
	fmt.Println(masked)
	fmt.Println()
	fmt.Println("Use --reveal to print the full token.")
	return nil
}
