package matrixclient

import "encoding/json"

// AuthResponse is what register and login hand back.
type AuthResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

type ResolveAliasResponse struct {
	RoomID  string   `json:"room_id"`
	Servers []string `json:"servers,omitempty"`
}

type eventsResponse struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
}

// Direction of a /messages request.
type Direction string

const (
	Backward Direction = "b"
	Forward  Direction = "f"
)

type MessagesOptions struct {
	From      string
	Direction Direction
	// Limit of 0 leaves the page size to the server.
	Limit int
}

// MessagesResponse keeps the chunk raw; decoding is per event so one bad
// event does not fail the page.
type MessagesResponse struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
}

type MembersResponse struct {
	Chunk []json.RawMessage `json:"chunk"`
}

type SendEventResponse struct {
	EventID string `json:"event_id"`
}
