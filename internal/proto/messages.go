package proto

// CreateRequest is the optional body of POST /v1/ssh/session.
type CreateRequest struct {
	Target string `json:"target,omitempty"`
}

// CreateResponse server -> client acknowledgement of a new session. TTL is in seconds.
type CreateResponse struct {
	ID  string  `json:"id"`
	TTL float64 `json:"ttl"`
}

// WriteRequest carries base64 encoded bytes destined for the backend socket.
type WriteRequest struct {
	Data string `json:"data"`
}

// ReadResponse is the long-poll reply. Data is empty when nothing arrived before the timeout.
type ReadResponse struct {
	Data   string `json:"data"`
	Closed bool   `json:"closed"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Owner string `json:"owner,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Error codes used in ErrorResponse.Error.
const (
	ErrInvalidCredentials = "invalid credentials"
	ErrForbidden          = "forbidden"
	ErrTargetNotAllowed   = "target_override_not_allowed"
	ErrInvalidJSON        = "invalid_json"
	ErrRateLimited        = "rate_limited"
	ErrCreateFailed       = "session_create_failed"
	ErrUnknownSession     = "unknown_session"
	ErrMissingData        = "missing_data"
	ErrInvalidData        = "invalid_data"
	ErrWriteFailed        = "write_failed"
	ErrUnknownEndpoint    = "unknown_endpoint"
)
