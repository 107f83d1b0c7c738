package common

// ErrorResponse is the error envelope both edges return. Service names
// the origin so a proxied failure is attributable from the client side.
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service,omitempty"`
}

// SuccessResponse acknowledges playback commands that have no payload.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ValidationErrorResponse carries per-field failures from upload
// request validation.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
