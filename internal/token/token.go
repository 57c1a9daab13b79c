// Package token issues the credentials a client needs to join a session's
// signaling room: a room-scoped JWT for the self-hosted channel and,
// when configured, a managed-room-provider token.
package token

import (
	"encoding/json"
	"fmt"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"
)

// rtcRoomPayload is the payload for a room-based token04 token.
type rtcRoomPayload struct {
	RoomID    string      `json:"RoomId"`
	Privilege map[int]int `json:"Privilege"`
}

// GenerateRoomToken generates a ZEGOCLOUD token04 token for one user in
// one room. Publishers get publish privilege; viewers can only pull.
// serverSecret comes from the provider console and must be 32 characters.
func GenerateRoomToken(appID uint32, serverSecret, roomID, userID, role string, effectiveTimeSec int64) (string, error) {
	if appID == 0 || serverSecret == "" {
		return "", fmt.Errorf("token: app_id and server_secret required")
	}
	if len(serverSecret) != 32 {
		return "", fmt.Errorf("token: server_secret must be 32 characters")
	}
	privilege := map[int]int{
		token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
		token04.PrivilegeKeyPublish: token04.PrivilegeDisable,
	}
	if role == "publisher" {
		privilege[token04.PrivilegeKeyPublish] = token04.PrivilegeEnable
	}
	payload := rtcRoomPayload{
		RoomID:    roomID,
		Privilege: privilege,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("token: marshal payload: %w", err)
	}
	return token04.GenerateToken04(appID, userID, serverSecret, effectiveTimeSec, string(payloadJSON))
}
