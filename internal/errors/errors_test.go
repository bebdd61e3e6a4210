package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *MLDataError
		want string
	}{
		{New(ErrCategoryStorage, CodeUploadFailed, "cannot store data/iris.h5"),
			"[STORAGE:UPLOAD_FAILED] cannot store data/iris.h5"},
		{Wrap(ErrCategoryStorage, CodeDownloadFailed, "cannot fetch data/iris.h5", fmt.Errorf("connection reset")),
			"[STORAGE:DOWNLOAD_FAILED] cannot fetch data/iris.h5: connection reset"},
		{NewUnsupportedConversion("csv", "arff"),
			"[CONVERSION:UNSUPPORTED_CONVERSION] no handler converts csv to arff"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestIsMatchesCategoryAndCode(t *testing.T) {
	root := fmt.Errorf("disk full")
	a := Wrap(ErrCategoryWrite, CodeWriteFailed, "arff", root)
	b := New(ErrCategoryWrite, CodeWriteFailed, "csv")
	c := New(ErrCategoryParse, CodeParseError, "csv")

	if !errors.Is(a, b) || !errors.Is(a, ErrWrite) {
		t.Error("same category and code should match")
	}
	if errors.Is(a, c) {
		t.Error("different category should not match")
	}
	if !errors.Is(a, root) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestSentinelThroughConversionWrapper(t *testing.T) {
	cause := NewVerificationFailed("data", "UCI files cannot be verified")
	err := Wrap(ErrCategoryConversion, CodeConversionFailed, "x.data -> x.h5", cause)

	if !errors.Is(err, ErrConversion) {
		t.Error("outer error should match ErrConversion")
	}
	if !errors.Is(err, ErrVerificationFailed) {
		t.Error("cause should match ErrVerificationFailed")
	}
	found, ok := Find(err, ErrVerificationFailed)
	if !ok {
		t.Fatal("Find should locate the verification failure")
	}
	if found.Detail("which") != "data" {
		t.Errorf("which mismatch: got %v, want data", found.Detail("which"))
	}
	if GetCode(err) != CodeConversionFailed {
		t.Errorf("GetCode should report the outermost code, got %q", GetCode(err))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryParse, CodeParseError, false},
		{ErrCategoryVerification, CodeVerificationFailed, false},
		{ErrCategoryPolicy, CodeSizePolicyExceeded, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := NewParseError("csv", 3, "wrong arity")
	if GetCategory(err) != ErrCategoryParse {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryParse)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-MLDataError should return empty category")
	}
}

func TestParseErrorDetails(t *testing.T) {
	err := NewParseError("arff", 12, "value purple outside nominal domain")
	if err.Detail("line") != 12 {
		t.Errorf("line mismatch: got %v, want 12", err.Detail("line"))
	}
	if err.Detail("dialect") != "arff" {
		t.Errorf("dialect mismatch: got %v, want arff", err.Detail("dialect"))
	}
	want := "[PARSE:PARSE_ERROR] arff line 12: value purple outside nominal domain"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidDataset, "bad ordering")
	detailed := err.WithDetails(map[string]interface{}{"key": "int0"})

	if detailed.Details["key"] != "int0" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	if e := NewFormatDetectionError("/tmp/x"); !errors.Is(e, ErrFormatDetection) {
		t.Error("NewFormatDetectionError mismatch")
	}
	if e := NewUnsupportedConversion("csv", "arff"); !errors.Is(e, ErrUnsupportedConversion) {
		t.Error("NewUnsupportedConversion mismatch")
	}
	if e := NewWriteError("libsvm", "two dense groups", nil); !errors.Is(e, ErrWrite) {
		t.Error("NewWriteError mismatch")
	}
	if e := NewExtractError("/tmp/a.zip", cause); !errors.Is(e, ErrExtract) || !errors.Is(e, cause) {
		t.Error("NewExtractError mismatch")
	}
	if e := NewSizePolicyExceeded(10, 5, "too big"); !errors.Is(e, ErrSizePolicyExceeded) {
		t.Error("NewSizePolicyExceeded mismatch")
	}
	if e := NewStorageError(CodeUploadFailed, "s3 down", cause); e.Category != ErrCategoryStorage || !IsRetryable(e) {
		t.Error("NewStorageError mismatch")
	}
	if e := NewInternalError("unexpected", cause); e.Category != ErrCategoryInternal || e.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
