package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulse-social/live/internal/models"
)

// RESTLister fetches messages from the live API over HTTP. It is the
// client-side counterpart of the messages endpoint and feeds the Poller.
type RESTLister struct {
	base   string
	token  string
	client *http.Client
}

// NewRESTLister creates a lister against the API at base, authenticating
// with the given bearer token.
func NewRESTLister(base, token string) *RESTLister {
	return &RESTLister{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ListMessages implements Lister.
func (l *RESTLister) ListMessages(ctx context.Context, sessionID, since uuid.UUID) ([]*models.ChatMessage, error) {
	url := fmt.Sprintf("%s/sessions/%s/messages", l.base, sessionID)
	if since != uuid.Nil {
		url += "?since=" + since.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+l.token)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat: list messages: %s", resp.Status)
	}

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Messages []*models.ChatMessage `json:"messages"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("chat: decode messages: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("chat: list messages: %s", body.Error)
	}
	return body.Data.Messages, nil
}
