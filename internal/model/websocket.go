package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePage   = "page"
	WSMessageTypeError  = "error"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a job status change
type WSStatusMessage struct {
	Type   string    `json:"type"`
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
	Stage  Stage     `json:"stage,omitempty"`
}

// WSPageMessage reports progress of one page
type WSPageMessage struct {
	Type    string                 `json:"type"`
	JobID   string                 `json:"jobId"`
	Stage   Stage                  `json:"stage"`
	PageNum int                    `json:"pageNum"`
	Status  PageRegenerationStatus `json:"status"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
