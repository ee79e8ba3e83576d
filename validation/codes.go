// Package validation is the front door for mutating external requests.
// It screens size, headers, content types, JSON bodies, and multipart
// uploads before any handler runs, and rejects with a canonical error
// body drawn from a closed code enum.
package validation

import "fmt"

// ErrorCode is the closed set of rejection reasons.
type ErrorCode string

const (
	CodeRequestTooLarge      ErrorCode = "REQUEST_TOO_LARGE"
	CodeSuspiciousHeader     ErrorCode = "SUSPICIOUS_HEADER"
	CodeUnsupportedMediaType ErrorCode = "UNSUPPORTED_MEDIA_TYPE"
	CodeMalformedJSON        ErrorCode = "MALFORMED_JSON"
	CodeSuspiciousInput      ErrorCode = "SUSPICIOUS_INPUT"
	CodeMissingFilename      ErrorCode = "MISSING_FILENAME"
	CodeInvalidFilename      ErrorCode = "INVALID_FILENAME"
	CodeUnsupportedFileType  ErrorCode = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge         ErrorCode = "FILE_TOO_LARGE"
	CodeMismatchedFileType   ErrorCode = "MISMATCHED_FILE_TYPE"
)

// Error is the canonical rejection body.
type Error struct {
	Code    ErrorCode              `json:"error_code"`
	Detail  string                 `json:"detail"`
	Context map[string]interface{} `json:"context,omitempty"`
	Status  int                    `json:"status"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func reject(status int, code ErrorCode, detail string, context map[string]interface{}) *Error {
	return &Error{Code: code, Detail: detail, Context: context, Status: status}
}
