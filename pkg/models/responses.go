package models

// ErrorResponse is the error body of the admin API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WebhookResponse is the body returned to the CRM and to change-feed callers
type WebhookResponse struct {
	Success   bool   `json:"success"`
	Operation string `json:"operation,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}
