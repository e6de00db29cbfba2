package client

import (
	"github.com/spf13/cobra"
)

// NewDeadLettersCommand constructs the `deadletters` command group.
func NewDeadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "deadletters", Short: "Inspect dead-lettered messages"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters in id order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			after, _ := cmd.Flags().GetString("after")
			limit, _ := cmd.Flags().GetInt("limit")
			page, err := getTransport().ListDeadLetters(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	list.Flags().String("after", "", "Start after this message id")
	list.Flags().Int("limit", 0, "Page size (0 uses the server default)")
	cmd.AddCommand(list)
	return cmd
}

// NewStatsCommand prints queue depth, dead-letter count and live connections.
func NewStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := getTransport().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}
