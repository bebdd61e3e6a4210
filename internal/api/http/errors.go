package http

import (
	"context"
	"errors"
	"log"
	"net/http"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// statusFor maps a pipeline error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, mlerrors.ErrRecordNotFound), errors.Is(err, mlerrors.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, mlerrors.ErrSlugConflict):
		return http.StatusConflict
	case errors.Is(err, mlerrors.ErrSizePolicyExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, mlerrors.ErrUnsupportedConversion):
		return http.StatusBadRequest
	}
	switch mlerrors.GetCategory(err) {
	case mlerrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case mlerrors.ErrCategoryDetection, mlerrors.ErrCategoryConversion, mlerrors.ErrCategoryParse,
		mlerrors.ErrCategoryVerification, mlerrors.ErrCategoryArchive:
		return http.StatusUnprocessableEntity
	case mlerrors.ErrCategoryStorage:
		if mlerrors.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// writeFailure writes err as an ErrorResponse. Server-side failures are
// logged with the request id.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	requestID := GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s %s failed (request %s): %v", r.Method, r.URL.Path, requestID, err)
	}
	writeJSON(w, status, ErrorResponse{
		Error:     err.Error(),
		Code:      mlerrors.GetCode(err),
		RequestID: requestID,
	})
}
