package rooms

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulse-social/live/internal/models"
)

const (
	descriptorPrefix = "live:descriptor:"
	descriptorTTL    = 6 * time.Hour
)

// DescriptorCache holds transient session descriptors so a second local
// view of a session can reconstruct identity without a database
// round-trip. Advisory only: a hit says nothing about session state, and
// a miss is never an error.
type DescriptorCache struct {
	client *redis.Client
}

// NewDescriptorCache creates the handoff cache.
func NewDescriptorCache(client *redis.Client) *DescriptorCache {
	return &DescriptorCache{client: client}
}

// Put stores a descriptor with a bounded TTL.
func (c *DescriptorCache) Put(ctx context.Context, sess *models.StreamSession) error {
	desc := models.SessionDescriptor{
		ID:        sess.ID,
		RoomID:    sess.RoomID,
		StartedAt: sess.StartedAt,
	}
	body, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, descriptorPrefix+sess.ID.String(), body, descriptorTTL).Err()
}

// Get returns the cached descriptor, or nil on a miss.
func (c *DescriptorCache) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionDescriptor, error) {
	body, err := c.client.Get(ctx, descriptorPrefix+sessionID.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var desc models.SessionDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Drop removes a descriptor, e.g. after the session ends.
func (c *DescriptorCache) Drop(ctx context.Context, sessionID uuid.UUID) error {
	return c.client.Del(ctx, descriptorPrefix+sessionID.String()).Err()
}
