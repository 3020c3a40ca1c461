package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/browseragent/pkg/models"
)

func buildResearchCmd() *cobra.Command {
	var startURL string

	cmd := &cobra.Command{
		Use:   "research [prompt]",
		Short: "Decompose a question into parallel single-source research tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prompt := args[0]

			rt, err := newRuntime(ctx, configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			orch := rt.newOrchestrator()
			plan, err := orch.Decompose(ctx, prompt)
			if err != nil {
				return fmt.Errorf("decompose: %w", err)
			}

			if !plan.IsResearch {
				fmt.Fprintln(cmd.OutOrStdout(), "Not a research-shaped request; falling back to the single-tab agent.")
				loop, tabID, err := rt.newSingleTabLoop(ctx, startURL, prompt)
				if err != nil {
					return err
				}
				loop.SetProgress(func(status string) { fmt.Fprintln(cmd.OutOrStdout(), status) })
				result, err := loop.Run(ctx, "cli-research-fallback", []*models.Message{{Role: models.RoleUser, Content: prompt}}, tabID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), result.FinalText)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Decomposed into %d sub-tasks: %s\n", len(plan.SubTasks), plan.Reasoning)

			result, err := orch.Execute(ctx, prompt, plan, func(status string) {
				fmt.Fprintln(cmd.OutOrStdout(), status)
			})
			if err != nil {
				return fmt.Errorf("execute: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "---")
			fmt.Fprintln(cmd.OutOrStdout(), result.FinalAnswer)
			return nil
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "Fallback starting URL if the request isn't research-shaped")
	return cmd
}
