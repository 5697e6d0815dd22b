package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

func setupChatScheduler(t *testing.T) (*Scheduler, *models.Project) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, bus.New(db, 16), nil, blocker.New(db, nil), nil, 0)
	p, err := s.CreateProject("chatty", "", "")
	require.NoError(t, err)
	return s, p
}

func TestSendChatAndHistory(t *testing.T) {
	s, p := setupChatScheduler(t)

	first, err := s.SendChat(p.ID, "user", "how is the login task going?")
	require.NoError(t, err)
	assert.Positive(t, first.Seq)

	second, err := s.SendChat(p.ID, "agent_lead1", "tests pass, wiring the handler now")
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	history, err := s.ChatHistory(p.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].From)
	assert.Equal(t, "how is the login task going?", history[0].Text)
	assert.Equal(t, "agent_lead1", history[1].From)

	// Resuming past the first message returns only the second.
	tail, err := s.ChatHistory(p.ID, first.Seq, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, second.Seq, tail[0].Seq)
}

func TestSendChatValidation(t *testing.T) {
	s, p := setupChatScheduler(t)

	_, err := s.SendChat(p.ID, "user", "")
	assert.Error(t, err)

	_, err = s.SendChat("proj_missing", "user", "hello?")
	assert.Error(t, err)
}
