package models

// EventType is the type of a notification pushed to the UI.
type EventType string

const (
	EventTypeIncoming    EventType = "incoming"
	EventTypeRemoteMedia EventType = "remote-media"
	EventTypeEnded       EventType = "ended"
	EventTypeError       EventType = "error"
	EventTypeState       EventType = "state"
)

// Event is a call notification as delivered over the events websocket.
type Event struct {
	Type   EventType    `json:"type"`
	State  string       `json:"state,omitempty"`
	CallID string       `json:"callId,omitempty"`
	From   string       `json:"from,omitempty"`
	Mode   Mode         `json:"mode,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Error  string       `json:"error,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Stream *RemoteMedia `json:"stream,omitempty"`
}
