package avatar

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// JoinToken mints the room grant the avatar provider uses to publish its
// video and audio into the room.
func JoinToken(apiKey, apiSecret, room, identity string, ttl time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", fmt.Errorf("join token: livekit api key and secret required")
	}
	at := auth.NewAccessToken(apiKey, apiSecret)
	at.SetVideoGrant(&auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(ttl)
	tok, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("join token: %w", err)
	}
	return tok, nil
}
