package ws

import "github.com/gosuda/cloudhost/internal/debuglog"

// Event types.
const (
	EventHistory = "history"
	EventLive    = "live"
)

// LogEvent is one WebSocket frame.
type LogEvent struct {
	Type  string         `json:"type"`
	Cloud string         `json:"cloud"`
	Entry debuglog.Entry `json:"entry"`
}
