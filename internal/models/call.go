package models

// StartCallRequest is the request body for originating a call
type StartCallRequest struct {
	Mode Mode `json:"mode" binding:"required,oneof=audio video"`
}

// CallStatus is a point-in-time view of the local participant's call
type CallStatus struct {
	ParticipantID string `json:"participantId"`
	State         string `json:"state"`
	CallID        string `json:"callId,omitempty"`
	Role          Role   `json:"role,omitempty"`
	Mode          Mode   `json:"mode,omitempty"`
	Peer          string `json:"peer,omitempty"`
}
