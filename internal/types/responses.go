package types

// WSConfigResponse is sent in response to config/get.
// Contains the full configuration without runtime state.
type WSConfigResponse struct {
	Type   string `json:"type"` // "config"
	Config any    `json:"config"`
}

// WSCommandResult answers every WebSocket command.
// Error is a message string, or a *ValidationError when the request was rejected.
type WSCommandResult struct {
	Type    string `json:"type"` // "<command>_result"
	Success bool   `json:"success"`
	Error   any    `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}
