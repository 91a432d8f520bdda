package cli

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/tutorchat/internal/audio"
	"github.com/raphaelgruber/tutorchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line      string
		name      string
		arg       string
		isCommand bool
	}{
		{line: "hola", isCommand: false},
		{line: "/new", name: "new", isCommand: true},
		{line: "/LOAD 3", name: "load", arg: "3", isCommand: true},
		{line: "/load   abc-123 ", name: "load", arg: "abc-123", isCommand: true},
		{line: "//not a command", isCommand: false},
		{line: "¿/qué?", isCommand: false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, arg, ok := parseCommand(tt.line)
			assert.Equal(t, tt.isCommand, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestResolveConversation(t *testing.T) {
	convs := []models.ConversationSummary{{ID: "c-1"}, {ID: "c-2"}}

	id, err := resolveConversation("2", convs)
	require.NoError(t, err)
	assert.Equal(t, "c-2", id)

	id, err = resolveConversation("3f2c9a1e", convs)
	require.NoError(t, err)
	assert.Equal(t, "3f2c9a1e", id)

	_, err = resolveConversation("0", convs)
	assert.Error(t, err)
	_, err = resolveConversation("3", convs)
	assert.Error(t, err)
	_, err = resolveConversation("", convs)
	assert.Error(t, err)
}

func TestPrintMessage(t *testing.T) {
	payload, err := audio.Encode([][]byte{bytes.Repeat([]byte{1}, 2048)})
	require.NoError(t, err)

	var out bytes.Buffer
	printMessage(&out, models.Message{
		Role:       models.RoleAssistant,
		Content:    "Muy bien",
		Audio:      payload,
		CreateTime: models.NewTimestamp(time.Now().Add(-2 * time.Hour)),
	})

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "Tutor · 2 hours ago · audio 2.0 kB"), got)
	assert.Contains(t, got, "  Muy bien\n")

	out.Reset()
	printMessage(&out, models.Message{Role: models.RoleUser, Content: "Hola", Audio: "%%%"})
	assert.Equal(t, "You · audio unreadable\n  Hola\n\n", out.String())
}

func TestRenderMessageMarksFailed(t *testing.T) {
	m := chatModel{theme: defaultTheme}

	line := m.renderMessage(models.Message{Role: models.RoleUser, DisplayContent: "Hola", Failed: true})
	assert.Contains(t, line, "Hola")
	assert.Contains(t, line, "not sent")

	line = m.renderMessage(models.Message{Role: models.RoleAssistant, DisplayContent: "Muy"})
	assert.Contains(t, line, "Muy")
	assert.NotContains(t, line, "not sent")
}

func TestWarningSink(t *testing.T) {
	sink := newWarningSink()
	logger := slog.New(sink)

	_, ok := sink.Latest(time.Minute)
	assert.False(t, ok)

	logger.Info("ignored")
	_, ok = sink.Latest(time.Minute)
	assert.False(t, ok)

	logger.Warn("reconnecting", "attempt", 2, "error", "connection reset")
	msg, ok := sink.Latest(time.Minute)
	require.True(t, ok)
	assert.Equal(t, "reconnecting: connection reset", msg)

	_, ok = sink.Latest(-time.Second)
	assert.False(t, ok, "stale warnings are hidden")
}
