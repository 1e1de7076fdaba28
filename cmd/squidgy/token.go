package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd(load loader) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint one streaming token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			minter, _, provider := avatarBackend(cfg, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			token, err := minter.MintToken(ctx)
			if err != nil {
				return fmt.Errorf("mint %s token: %w", provider, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	return cmd
}
