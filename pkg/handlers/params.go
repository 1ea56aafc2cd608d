package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// Query parameters that narrow a collection listing.
const (
	paramCategory  = "category"
	paramAttribute = "attribute"
	paramValue     = "value"
	paramOperator  = "operator"
	paramPath      = "path"
	paramNumber    = "number"
	paramPage      = "page"
)

// ParseCollectionFilter reads a CollectionFilter from the query string.
// Malformed values are attribute validation errors.
func ParseCollectionFilter(r *http.Request) (models.CollectionFilter, error) {
	q := r.URL.Query()

	op, err := models.ParseFilterOperator(q.Get(paramOperator))
	if err != nil {
		return models.CollectionFilter{}, fmt.Errorf("%w: %v", apperrors.ErrAttributeValidation, err)
	}
	size, err := parseNonNegative(q.Get(paramNumber), paramNumber)
	if err != nil {
		return models.CollectionFilter{}, err
	}
	page, err := parseNonNegative(q.Get(paramPage), paramPage)
	if err != nil {
		return models.CollectionFilter{}, err
	}

	f := models.CollectionFilter{
		Category:       q.Get(paramCategory),
		AttributeName:  q.Get(paramAttribute),
		AttributeValue: q.Get(paramValue),
		Path:           q.Get(paramPath),
		PageSize:       size,
		CurrentPage:    page,
	}
	if !f.IsZero() {
		f.Operator = op
	}
	return f, nil
}

func parseNonNegative(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", apperrors.ErrAttributeValidation, name, raw)
	}
	return n, nil
}
