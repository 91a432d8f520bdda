package session

import (
	"context"
	"time"

	"github.com/raphaelgruber/tutorchat/internal/metrics"
	"github.com/raphaelgruber/tutorchat/internal/models"
)

// Dispatcher sends locally composed messages. The message is appended before the request
// goes out; if the request fails it stays in the list marked Failed. Sends are never retried.
type Dispatcher struct {
	store *Store
}

// Send appends msg to the active conversation, creating one if needed, and posts it.
// Empty ids and creation times are filled in.
func (d *Dispatcher) Send(ctx context.Context, msg models.Message) error {
	s := d.store

	s.mu.Lock()
	if s.user == nil {
		s.err = ErrAuthRequired
		s.mu.Unlock()
		return ErrAuthRequired
	}
	if s.conv.ID == "" {
		s.startConversationLocked()
	}
	api, convID, gen := s.api, s.conv.ID, s.gen

	if msg.ID == "" {
		msg.ID = s.newIDLocked()
	}
	if msg.CreateTime.IsZero() {
		msg.CreateTime = models.NewTimestamp(time.Now())
	}
	msg.DisplayContent = msg.Content
	msg.Failed = false
	s.appendLocked(msg)
	s.metrics.IncAppended("local", 1)
	s.busy++
	s.notifyLocked()
	s.mu.Unlock()

	err := api.SendMessages(ctx, convID, []models.Message{msg})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	s.notifyLocked()
	if gen != s.gen {
		return ErrSessionEnded
	}
	if err != nil {
		netErr := newNetworkError(metrics.OpSend, err)
		s.markFailedLocked(convID, msg.ID)
		s.err = netErr
		s.metrics.IncSendFailure()
		s.logger.Warn("send failed", "conversation_id", convID, "message_id", msg.ID, "error", err)
		return netErr
	}
	if convID == s.conv.ID {
		s.phase = PhaseActive
	}
	return nil
}
