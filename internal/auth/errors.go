package auth

// Error codes returned to bridge callers
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInvalidAPIKey = "INVALID_API_KEY"
	ErrCodeMissingAPIKey = "MISSING_API_KEY"
)

// Error messages
const (
	ErrMsgMissingAPIKey = "Missing X-API-Key header or bearer token"
	ErrMsgInvalidAPIKey = "Invalid API key"
	ErrMsgUnauthorized  = "Authentication required"
)
