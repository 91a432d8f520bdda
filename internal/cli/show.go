package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/raphaelgruber/tutorchat/internal/audio"
	"github.com/raphaelgruber/tutorchat/internal/models"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a stored conversation",
	Long: `Print every message of a stored conversation.

Examples:
  tutorchat show 3f2c9a1e-6d0b-4f5e-9a7b-2c1d0e9f8a7b`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	user, err := authenticate(ctx)
	if err != nil {
		return err
	}

	msgs, err := apiClient.WithUser(user).GetConversation(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "Conversation is empty.")
		return nil
	}
	for _, m := range msgs {
		printMessage(out, m)
	}
	return nil
}

// printMessage writes one message with its age and, if present, the size of its audio.
func printMessage(out io.Writer, m models.Message) {
	header := roleLabel(m.Role)
	if !m.CreateTime.IsZero() {
		header += " · " + humanize.Time(m.CreateTime.Time)
	}
	if m.HasAudio() {
		if data, err := audio.Decode(m.Audio); err == nil {
			header += " · audio " + humanize.Bytes(uint64(len(data)))
		} else {
			header += " · audio unreadable"
		}
	}
	fmt.Fprintf(out, "%s\n  %s\n\n", header, m.Content)
}

func roleLabel(r models.Role) string {
	switch r {
	case models.RoleUser:
		return "You"
	case models.RoleAssistant:
		return "Tutor"
	default:
		return string(r)
	}
}
