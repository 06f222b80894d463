// Package errors provides structured error types for the Cerberus ingest service.
// All errors carry a category, code, message, and retryable flag so that
// transports can map them consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage or component.
type ErrorCategory string

const (
	ErrCategoryDecryption ErrorCategory = "DECRYPTION"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Decryption codes
	CodeDecode         = "DECODE_ERROR"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodePlaintextParse = "PLAINTEXT_PARSE_ERROR"

	// Validation codes
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeEmptyBatch     = "EMPTY_BATCH"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Catalog codes
	CodeWriteFailed    = "WRITE_FAILED"
	CodeReadFailed     = "READ_FAILED"
	CodeReportNotFound = "REPORT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ErrDecryptionFailed is the only decryption outcome visible outside the service.
// Whether the envelope was malformed, forged, or carried bad JSON is kept internal.
var ErrDecryptionFailed = errors.New("decryption failed")

// CerberusError is the structured error type used throughout the service.
type CerberusError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CerberusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CerberusError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
// Every decryption error also matches ErrDecryptionFailed.
func (e *CerberusError) Is(target error) bool {
	if target == ErrDecryptionFailed {
		return e.Category == ErrCategoryDecryption
	}
	var t *CerberusError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CerberusError.
func New(category ErrorCategory, code, message string) *CerberusError {
	return &CerberusError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CerberusError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CerberusError {
	return &CerberusError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CerberusError) WithDetails(details map[string]interface{}) *CerberusError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CerberusError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CerberusError.
func GetCategory(err error) ErrorCategory {
	var ce *CerberusError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CerberusError.
func GetCode(err error) string {
	var ce *CerberusError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Public maps an error to what may be shown to a client. Decryption errors
// collapse into ErrDecryptionFailed; anything else passes through.
func Public(err error) error {
	if GetCategory(err) == ErrCategoryDecryption {
		return ErrDecryptionFailed
	}
	return err
}

// Decryption failures are terminal for the packet; the device has to resend.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCatalog && code == CodeWriteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDecodeError(message string, cause error) *CerberusError {
	return Wrap(ErrCategoryDecryption, CodeDecode, message, cause)
}

func NewAuthenticationError(cause error) *CerberusError {
	return Wrap(ErrCategoryDecryption, CodeAuthentication, "message authentication failed", cause)
}

func NewPlaintextParseError(cause error) *CerberusError {
	return Wrap(ErrCategoryDecryption, CodePlaintextParse, "plaintext is not a JSON object", cause)
}

func NewValidationError(code, message string) *CerberusError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *CerberusError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *CerberusError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *CerberusError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
