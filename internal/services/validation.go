package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the wire shape for every error the API returns.
type ErrorResponse struct {
	Message string `json:"message"`         // Human-readable error message
	Error   string `json:"error,omitempty"` // Optional detail, e.g. validation breakdown
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, detailErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Message: message}
	if detailErr != nil {
		if validationErrs, ok := detailErr.(validator.ValidationErrors); ok {
			details := make([]string, 0, len(validationErrs))
			for _, err := range validationErrs {
				details = append(details, fmt.Sprintf("field '%s' failed on '%s' tag", err.Field(), err.Tag()))
			}
			errorResp.Error = strings.Join(details, "; ")
		} else {
			errorResp.Error = detailErr.Error()
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}
