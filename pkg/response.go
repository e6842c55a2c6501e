package pkg

// APIResponse represents the structure of a standard API response.
type APIResponse struct {
	TraceID string `json:"traceId,omitempty"` // unique identifier for the API request
	Data    any    `json:"data"`
}
