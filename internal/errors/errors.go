// Package errors provides structured error types for the mldata pipeline.
// Every error carries a category, a code, a message and a retryable flag so
// the converter facade and the ingestion controller can classify failures
// without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryDetection    ErrorCategory = "DETECTION"
	ErrCategoryConversion   ErrorCategory = "CONVERSION"
	ErrCategoryParse        ErrorCategory = "PARSE"
	ErrCategoryWrite        ErrorCategory = "WRITE"
	ErrCategoryVerification ErrorCategory = "VERIFICATION"
	ErrCategoryArchive      ErrorCategory = "ARCHIVE"
	ErrCategoryPolicy       ErrorCategory = "POLICY"
	ErrCategoryValidation   ErrorCategory = "VALIDATION"
	ErrCategoryStorage      ErrorCategory = "STORAGE"
	ErrCategoryRecord       ErrorCategory = "RECORD"
	ErrCategoryInternal     ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Detection codes
	CodeFormatDetection = "FORMAT_DETECTION"

	// Conversion codes
	CodeUnsupportedConversion = "UNSUPPORTED_CONVERSION"
	CodeConversionFailed      = "CONVERSION_FAILED"

	// Parse codes
	CodeParseError = "PARSE_ERROR"

	// Write codes
	CodeWriteFailed = "WRITE_FAILED"

	// Verification codes
	CodeVerificationFailed = "VERIFICATION_FAILED"

	// Archive codes
	CodeExtractFailed = "EXTRACT_FAILED"

	// Policy codes
	CodeSizePolicyExceeded = "SIZE_POLICY_EXCEEDED"

	// Validation codes
	CodeInvalidDataset = "INVALID_DATASET"
	CodeInvalidSplit   = "INVALID_SPLIT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Record codes
	CodeRecordNotFound = "RECORD_NOT_FOUND"
	CodeSlugConflict   = "SLUG_CONFLICT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is. Matching compares category and code only.
var (
	ErrFormatDetection       = New(ErrCategoryDetection, CodeFormatDetection, "format detection failed")
	ErrUnsupportedConversion = New(ErrCategoryConversion, CodeUnsupportedConversion, "unsupported conversion")
	ErrConversion            = New(ErrCategoryConversion, CodeConversionFailed, "conversion failed")
	ErrParse                 = New(ErrCategoryParse, CodeParseError, "parse error")
	ErrWrite                 = New(ErrCategoryWrite, CodeWriteFailed, "write failed")
	ErrVerificationFailed    = New(ErrCategoryVerification, CodeVerificationFailed, "verification failed")
	ErrExtract               = New(ErrCategoryArchive, CodeExtractFailed, "extract failed")
	ErrSizePolicyExceeded    = New(ErrCategoryPolicy, CodeSizePolicyExceeded, "size policy exceeded")
	ErrInvalidDataset        = New(ErrCategoryValidation, CodeInvalidDataset, "invalid dataset")
	ErrInvalidSplit          = New(ErrCategoryValidation, CodeInvalidSplit, "invalid split")
	ErrRecordNotFound        = New(ErrCategoryRecord, CodeRecordNotFound, "record not found")
	ErrSlugConflict          = New(ErrCategoryRecord, CodeSlugConflict, "slug conflict")
	ErrObjectNotFound        = New(ErrCategoryStorage, CodeObjectNotFound, "object not found")
	ErrUploadFailed          = New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	ErrDownloadFailed        = New(ErrCategoryStorage, CodeDownloadFailed, "download failed")
)

// MLDataError is the structured error type used throughout the pipeline.
type MLDataError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *MLDataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *MLDataError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *MLDataError) Is(target error) bool {
	t, ok := target.(*MLDataError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// New creates a new MLDataError.
func New(category ErrorCategory, code, message string) *MLDataError {
	return &MLDataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new MLDataError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *MLDataError {
	return &MLDataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *MLDataError) WithDetails(details map[string]interface{}) *MLDataError {
	cp := *e
	cp.Details = details
	return &cp
}

// Detail returns a single detail value, or nil.
func (e *MLDataError) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var me *MLDataError
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// GetCategory extracts the outermost error category from an error chain.
// Returns empty string if the error is not an MLDataError.
func GetCategory(err error) ErrorCategory {
	var me *MLDataError
	if errors.As(err, &me) {
		return me.Category
	}
	return ""
}

// GetCode extracts the outermost error code from an error chain.
// Returns empty string if the error is not an MLDataError.
func GetCode(err error) string {
	var me *MLDataError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// Find returns the first error in the chain matching the sentinel, so its
// details can be inspected.
func Find(err error, sentinel *MLDataError) (*MLDataError, bool) {
	for err != nil {
		if me, ok := err.(*MLDataError); ok && me.Is(sentinel) {
			return me, true
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for the typed kinds.

func NewFormatDetectionError(path string) *MLDataError {
	return New(ErrCategoryDetection, CodeFormatDetection,
		fmt.Sprintf("could not detect format of %s", path)).
		WithDetails(map[string]interface{}{"path": path})
}

func NewUnsupportedConversion(in, out string) *MLDataError {
	return New(ErrCategoryConversion, CodeUnsupportedConversion,
		fmt.Sprintf("no handler converts %s to %s", in, out)).
		WithDetails(map[string]interface{}{"in_format": in, "out_format": out})
}

// NewConversionError wraps any failure of a single conversion with its
// endpoints.
func NewConversionError(inPath, inFmt, outPath, outFmt string, cause error) *MLDataError {
	return Wrap(ErrCategoryConversion, CodeConversionFailed,
		fmt.Sprintf("cannot convert %s (%s) to %s (%s)", inPath, inFmt, outPath, outFmt), cause).
		WithDetails(map[string]interface{}{
			"in_path": inPath, "in_format": inFmt,
			"out_path": outPath, "out_format": outFmt,
		})
}

// NewParseError reports a rejected line. Line is 1-based; 0 means the error
// is not tied to a line.
func NewParseError(dialect string, line int, reason string) *MLDataError {
	msg := fmt.Sprintf("%s: %s", dialect, reason)
	if line > 0 {
		msg = fmt.Sprintf("%s line %d: %s", dialect, line, reason)
	}
	return New(ErrCategoryParse, CodeParseError, msg).
		WithDetails(map[string]interface{}{"dialect": dialect, "line": line, "reason": reason})
}

func NewWriteError(dialect, message string, cause error) *MLDataError {
	return Wrap(ErrCategoryWrite, CodeWriteFailed, fmt.Sprintf("%s: %s", dialect, message), cause).
		WithDetails(map[string]interface{}{"dialect": dialect})
}

// NewVerificationFailed reports a round-trip mismatch in the named field.
func NewVerificationFailed(which, message string) *MLDataError {
	return New(ErrCategoryVerification, CodeVerificationFailed,
		fmt.Sprintf("%s: %s", which, message)).
		WithDetails(map[string]interface{}{"which": which})
}

func NewExtractError(path string, cause error) *MLDataError {
	return Wrap(ErrCategoryArchive, CodeExtractFailed, fmt.Sprintf("cannot unpack %s", path), cause).
		WithDetails(map[string]interface{}{"path": path})
}

func NewSizePolicyExceeded(size, limit uint64, human string) *MLDataError {
	return New(ErrCategoryPolicy, CodeSizePolicyExceeded, human).
		WithDetails(map[string]interface{}{"size": size, "limit": limit})
}

func NewValidationError(code, message string) *MLDataError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *MLDataError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewRecordError(code, message string, cause error) *MLDataError {
	return Wrap(ErrCategoryRecord, code, message, cause)
}

func NewInternalError(message string, cause error) *MLDataError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
