package engagement

import "encoding/json"

// RoomSink publishes snapshots as room events.
type RoomSink struct {
	pub EventPublisher
}

// NewRoomSink adapts a room event publisher into a snapshot sink.
func NewRoomSink(pub EventPublisher) *RoomSink {
	return &RoomSink{pub: pub}
}

// PublishEngagement implements Sink.
func (s *RoomSink) PublishEngagement(roomID string, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.pub.PublishRoomEvent(roomID, "engagement_snapshot", body)
}
