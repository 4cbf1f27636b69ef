package types

// API error codes
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNodeNotFound   = "NODE_NOT_FOUND"
	CodeInvalidNode    = "INVALID_NODE_ID"
	CodeUnsupported    = "UNSUPPORTED_COMMAND"
	CodeBusError       = "BUS_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeNodeDead       = "NODE_DEAD"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeInternal       = "INTERNAL"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
