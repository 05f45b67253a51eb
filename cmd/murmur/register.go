package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register [alias]",
	Short: "Create an anonymous identity",
	Long:  "Register an anonymous murmur identity and store its token in ~/.murmur/config.toml.\nThe alias is the display name shown to matched users; a random one is assigned when omitted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias := ""
		if len(args) == 1 {
			alias = args[0]
		}

		client := getAnonClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		acct, err := client.Account.Register(ctx, alias)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = acct.Token
		cfg.Auth.UserID = acct.ID
		cfg.Auth.Alias = acct.Alias
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Registered as %s (%s)\n", acct.Alias, acct.ID)
		return nil
	},
}
