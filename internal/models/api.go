package models

// API Response types for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK     APIStatus = "ok"
	APIStatusQueued APIStatus = "queued"
	APIStatusError  APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Queued creates a queued API response carrying the new record's ID.
func Queued(id string) APIResponse {
	return APIResponse{Status: string(APIStatusQueued), Result: map[string]string{"id": id}}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
