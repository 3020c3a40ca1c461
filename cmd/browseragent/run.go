package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/browseragent/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var startURL string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Drive a single browser tab through one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prompt := args[0]

			rt, err := newRuntime(ctx, configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			loop, tabID, err := rt.newSingleTabLoop(ctx, startURL, prompt)
			if err != nil {
				return err
			}
			loop.SetProgress(func(status string) { fmt.Fprintln(cmd.OutOrStdout(), status) })

			result, err := loop.Run(ctx, "cli-run", []*models.Message{{Role: models.RoleUser, Content: prompt}}, tabID)
			if err != nil {
				return fmt.Errorf("agent run failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "---")
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s (%d steps)\n", result.Status, result.Steps)
			fmt.Fprintln(cmd.OutOrStdout(), result.FinalText)
			return nil
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "Starting URL (defaults to about:blank)")
	return cmd
}
