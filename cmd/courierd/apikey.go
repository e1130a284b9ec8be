package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/courierd/courierd/internal/apikey"
	"github.com/courierd/courierd/internal/config"
	"github.com/courierd/courierd/internal/store"
)

var (
	apiKeyDomain string
	apiKeyName   string
	apiKeyScopes string
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key management commands",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Long:  `Create a new API key against the local store. The plaintext key is printed once and never stored.`,
	RunE:  runAPIKeyCreate,
}

func init() {
	apiKeyCreateCmd.Flags().StringVar(&apiKeyDomain, "domain", "", "Sending domain the key is scoped to (required)")
	apiKeyCreateCmd.Flags().StringVar(&apiKeyName, "name", "", "Human-readable key name (required)")
	apiKeyCreateCmd.Flags().StringVar(&apiKeyScopes, "scopes", "", "Comma-separated scopes (empty = full access)")
	apiKeyCreateCmd.MarkFlagRequired("domain")
	apiKeyCreateCmd.MarkFlagRequired("name")

	apiKeyCmd.AddCommand(apiKeyCreateCmd)
	rootCmd.AddCommand(apiKeyCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.Close()

	var scopes []string
	if apiKeyScopes != "" {
		scopes = strings.Split(apiKeyScopes, ",")
	}

	key, plaintext, err := apikey.NewService(st).Issue(context.Background(), apiKeyDomain, apiKeyName, scopes)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	fmt.Printf("API key created\n\n")
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Domain: %s\n", key.DomainID)
	fmt.Printf("  Name:   %s\n", key.Name)
	fmt.Printf("  Key:    %s\n\n", plaintext)
	fmt.Printf("Store this key now. It cannot be shown again.\n")

	return nil
}
