package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/pkg/response"
)

func TestRESTListerFetchesMessages(t *testing.T) {
	sessionID := uuid.New()
	since := uuid.New()
	msg := &models.ChatMessage{
		ID: uuid.New(), SessionID: sessionID, SenderName: "viewer",
		Text: "hello", SentAt: time.Now().UTC(),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/"+sessionID.String()+"/messages", r.URL.Path)
		assert.Equal(t, since.String(), r.URL.Query().Get("since"))
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		body := response.Body{Success: true, Data: map[string]any{
			"messages": []*models.ChatMessage{msg},
		}}
		writeJSON(t, w, body)
	}))
	defer srv.Close()

	l := NewRESTLister(srv.URL, "secret-token")
	msgs, err := l.ListMessages(context.Background(), sessionID, since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestRESTListerOmitsSinceOnFirstPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since"))
		writeJSON(t, w, response.Body{Success: true, Data: map[string]any{
			"messages": []*models.ChatMessage{},
		}})
	}))
	defer srv.Close()

	l := NewRESTLister(srv.URL, "t")
	msgs, err := l.ListMessages(context.Background(), uuid.New(), uuid.Nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRESTListerSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := NewRESTLister(srv.URL, "expired")
	_, err := l.ListMessages(context.Background(), uuid.New(), uuid.Nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(v))
}
