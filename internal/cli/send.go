package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/tutorchat/internal/audio"
	"github.com/raphaelgruber/tutorchat/internal/channel"
	"github.com/raphaelgruber/tutorchat/internal/models"
	"github.com/raphaelgruber/tutorchat/internal/session"
	"github.com/spf13/cobra"
)

var (
	sendConversation string
	sendAudioFile    string
	sendWait         time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send one message and print the reply",
	Long: `Send a single text or voice message and wait for the tutor's reply.

Without --conversation a new conversation is started. With --audio-file the
recording is transcribed and sent together with its audio.

Examples:
  tutorchat send "¿Qué tal tu fin de semana?"
  tutorchat send -c 3f2c9a1e-6d0b-4f5e-9a7b-2c1d0e9f8a7b "Otra pregunta"
  tutorchat send --audio-file take.webm
  tutorchat send --wait 0 "fire and forget"`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "continue this conversation")
	sendCmd.Flags().StringVar(&sendAudioFile, "audio-file", "", "send this recording as a voice message")
	sendCmd.Flags().DurationVarP(&sendWait, "wait", "w", time.Minute, "how long to wait for the reply (0 to skip)")
	sendCmd.Flags().BoolVar(&noAudio, "no-audio", false, "do not save reply audio")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" && sendAudioFile == "" {
		return errors.New("nothing to send: pass text or --audio-file")
	}

	user, err := authenticate(ctx)
	if err != nil {
		return err
	}

	store, err := newStore()
	if err != nil {
		return err
	}
	stopMetrics := serveMetrics()
	defer stopMetrics()

	if err := store.StartSession(ctx, user); err != nil {
		return err
	}
	defer store.EndSession()

	if sendConversation != "" {
		if err := store.LoadConversation(ctx, sendConversation); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	} else if _, err := store.StartNewConversation(); err != nil {
		return err
	}
	before := len(store.Messages())

	if sendAudioFile != "" {
		chunks, err := audio.Capture(ctx, audio.FileDevice{Path: sendAudioFile})
		if err != nil {
			return fmt.Errorf("read recording: %w", err)
		}
		err = store.SendVoice(ctx, chunks)
		if err != nil {
			return err
		}
	} else if err := store.SendText(ctx, text); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "conversation %s\n\n", store.ActiveConversationID())
	if sendWait <= 0 {
		return nil
	}

	reply, err := waitForReply(store, before, sendWait)
	if err != nil {
		return err
	}
	printMessage(out, reply)
	return nil
}

// waitForReply blocks until an assistant message after index from is fully revealed.
func waitForReply(store *session.Store, from int, timeout time.Duration) (models.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		snap := store.Snapshot()
		if from < len(snap.Messages) {
			for _, m := range snap.Messages[from:] {
				if m.Role == models.RoleAssistant && m.DisplayContent == m.Content {
					return m, nil
				}
			}
		}
		if snap.ChannelState == channel.Error {
			return models.Message{}, fmt.Errorf("waiting for reply: %w", snap.Err)
		}

		select {
		case <-store.Changes():
		case <-deadline.C:
			return models.Message{}, fmt.Errorf("no reply within %s", timeout)
		}
	}
}
