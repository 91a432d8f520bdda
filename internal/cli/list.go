package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	Long: `List the conversations stored for your account, newest first.

Examples:
  tutorchat list
  tutorchat list -n 5
  tutorchat list -u ana`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "max results (0 for all)")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	user, err := authenticate(ctx)
	if err != nil {
		return err
	}

	convs, err := apiClient.WithUser(user).ListConversations(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations yet. Start one with 'tutorchat chat'.")
		return nil
	}

	shown := convs
	if listLimit > 0 && len(shown) > listLimit {
		shown = shown[:listLimit]
	}

	fmt.Fprintf(out, "Found %d conversations:\n\n", len(convs))
	for i, c := range shown {
		when := "unknown"
		if !c.Timestamp.IsZero() {
			when = humanize.Time(c.Timestamp.Time)
		}
		fmt.Fprintf(out, "%3d. %s  %s\n", i+1, c.ID, when)
	}
	if len(shown) < len(convs) {
		fmt.Fprintf(out, "\n... and %d more (use -n 0 to show all)\n", len(convs)-len(shown))
	}
	return nil
}
