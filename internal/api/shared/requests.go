package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// MaxRequestBodyBytes bounds the size of decoded request bodies.
const MaxRequestBodyBytes = 1 << 20

// Global validator instance for reuse
var validate = validator.New()

// DecodeJSON decodes the request body into the given struct.
func DecodeJSON(r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, MaxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return err
	}
	return nil
}

// ValidateRequest validates the given struct using the validator package.
func ValidateRequest(v interface{}) error {
	// Check if the object implements the Validate interface
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}

	// Otherwise, use the struct validator
	return validate.Struct(v)
}

// DecodeAndValidate decodes the body into v and validates it. On failure it
// writes a 400 response, logged with opts, and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}, opts ...ResponseOption) bool {
	if err := DecodeJSON(r, v); err != nil {
		RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err, opts...)
		return false
	}
	if err := ValidateRequest(v); err != nil {
		RespondWithErrorAndLog(w, r, http.StatusBadRequest, ValidationMessage(err), err, opts...)
		return false
	}
	return true
}

// ValidationMessage turns a validator error into a client-safe message
// naming the first offending field.
func ValidationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("Invalid %s: failed on '%s'", fe.Field(), fe.Tag())
	}
	return "Validation error"
}
