package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Category model errors.
	ErrModelLoad        = errors.New("model load error")
	ErrCategoryConflict = &kindError{msg: "category conflict", parent: ErrConflict}

	// Entity registry errors.
	ErrEntityConflict      = &kindError{msg: "entity conflict", parent: ErrConflict}
	ErrReferenceNotFound   = &kindError{msg: "reference not found", parent: ErrNotFound}
	ErrAttributeValidation = errors.New("attribute validation failed")

	// ErrClassificationAmbiguity is reserved for requests matching no intent.
	// The classifier falls back to a custom-path collection instead of returning it.
	ErrClassificationAmbiguity = errors.New("request classification ambiguous")

	ErrInvariantViolation = errors.New("internal invariant violation")
)

// kindError is a sentinel that also matches a broader umbrella sentinel,
// so errors.Is(ErrEntityConflict, ErrConflict) holds.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.parent }

// Code returns a stable machine-readable code for err.
// The mapping is lossless: every sentinel gets its own code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrModelLoad):
		return "model_load_error"
	case errors.Is(err, ErrCategoryConflict):
		return "category_conflict"
	case errors.Is(err, ErrEntityConflict):
		return "entity_conflict"
	case errors.Is(err, ErrReferenceNotFound):
		return "reference_not_found"
	case errors.Is(err, ErrAttributeValidation):
		return "attribute_validation"
	case errors.Is(err, ErrClassificationAmbiguity):
		return "classification_ambiguity"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the status code used at the transport boundary.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "category_conflict", "entity_conflict", "conflict":
		return http.StatusConflict
	case "reference_not_found", "not_found":
		return http.StatusNotFound
	case "attribute_validation", "model_load_error", "classification_ambiguity":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var panicOnInvariant atomic.Bool

// SetPanicOnInvariant controls whether Invariant panics (development builds)
// or returns an error (production builds).
func SetPanicOnInvariant(enabled bool) {
	panicOnInvariant.Store(enabled)
}

// Invariant reports a broken internal invariant.
func Invariant(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
	if panicOnInvariant.Load() {
		panic(err)
	}
	return err
}
