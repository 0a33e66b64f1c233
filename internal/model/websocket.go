package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage reports that a job is still running upstream
type WSProgressMessage struct {
	Type   string    `json:"type"`
	JobRef string    `json:"jobRef"`
	Status JobStatus `json:"status"`
}

// WSCompleteMessage carries the durable outputs of a finished job
type WSCompleteMessage struct {
	Type   string      `json:"type"`
	JobRef string      `json:"jobRef"`
	Result *JobOutcome `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	JobRef string  `json:"jobRef"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
