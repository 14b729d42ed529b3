package chat_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/personify/backend/internal/model/chat"
	chat "github.com/zhouzirui/personify/backend/internal/service/chat"
)

func TestServiceGetSession(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "pirate")
	require.NoError(t, err)

	got, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "pirate", got.PersonaID)
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := chat.NewService()
	_, err := svc.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestServiceCreateSessionRequiresPersona(t *testing.T) {
	_, err := chat.NewService().CreateSession(context.Background(), "")
	assert.ErrorIs(t, err, chat.ErrPersonaRequired)
}

func TestServiceHistoryWindow(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "pirate")
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		sender := model.SenderUser
		if i%2 == 1 {
			sender = model.SenderAssistant
		}
		require.NoError(t, svc.SaveMessage(ctx, model.Message{SessionID: session.ID, Sender: sender, Content: fmt.Sprint(i)}))
	}

	history, err := svc.History(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, chat.DefaultHistoryLimit)
	assert.Equal(t, "3", history[0].Content)
	assert.Equal(t, "8", history[5].Content)

	history, err = svc.History(ctx, session.ID, 20)
	require.NoError(t, err)
	assert.Len(t, history, 9)

	_, err = svc.History(ctx, "missing", 6)
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestServiceSaveMessageValidation(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	err := svc.SaveMessage(ctx, model.Message{SessionID: "nope", Sender: model.SenderUser})
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	session, err := svc.CreateSession(ctx, "pirate")
	require.NoError(t, err)
	err = svc.SaveMessage(ctx, model.Message{SessionID: session.ID, Sender: "narrator"})
	assert.ErrorIs(t, err, chat.ErrInvalidSender)

	transcript, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func TestServiceTranscriptIsBounded(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := chat.NewService(chat.WithMaxTurns(3), chat.WithClock(func() time.Time { return stamp }))
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "pirate")
	require.NoError(t, err)
	assert.Equal(t, stamp, session.CreatedAt)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.SaveMessage(ctx, model.Message{SessionID: session.ID, Sender: model.SenderUser, Content: fmt.Sprint(i)}))
	}

	transcript, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, "2", transcript[0].Content)
	assert.Equal(t, stamp, transcript[0].CreatedAt)
	assert.NotEqual(t, transcript[0].ID, transcript[1].ID)

	transcript[0].Content = "changed"
	again, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", again[0].Content)
}
