package main

import (
	"fmt"

	"github.com/jonathan/cifix/internal/config"
	"github.com/jonathan/cifix/internal/server"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <approver>",
	Short: "Issue a bearer token for a fix approver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		jwtCfg, err := config.NewJWTConfig(cfg.Auth)
		if err != nil {
			return err
		}
		if jwtCfg == nil {
			return fmt.Errorf("JWT_SECRET environment variable is required")
		}
		token, err := server.NewJWTService(jwtCfg).GenerateToken(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
