package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the courier client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "courier",
		Short: "Courier client commands",
	}
	root.AddCommand(NewMessagesCommand(baseURL))
	root.AddCommand(NewDeadLettersCommand())
	root.AddCommand(NewStatsCommand())
	return root
}
