package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"yuzu/avatar/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check credentials, providers and pipeline sidecars",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st := health.CheckAll(ctx, cfg)
		fmt.Fprint(cmd.OutOrStdout(), st.String())
		if !st.OK {
			return fmt.Errorf("%d check(s) failed", len(st.Failed()))
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().Duration("timeout", 15*time.Second, "Overall timeout for all checks")
}
