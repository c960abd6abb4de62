package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	configureValidator(validate)
}

// fieldMessage explains one failed rule in words a client can show
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return fmt.Sprintf("Value is too short (minimum %s)", fe.Param())
	case "max":
		return fmt.Sprintf("Value is too long (maximum %s)", fe.Param())
	case "gt":
		return fmt.Sprintf("Value must be greater than %s", fe.Param())
	case "txid":
		return "Value must be printable ASCII without spaces"
	default:
		return "Invalid value"
	}
}

// DecodeError answers 400: the body is not the JSON we expect
func DecodeError(w http.ResponseWriter, err error) {
	var (
		typeErr *json.UnmarshalTypeError
		sizeErr *http.MaxBytesError
		message string
	)

	switch {
	case errors.As(err, &typeErr):
		message = fmt.Sprintf("Invalid data type for field '%s'", typeErr.Field)
	case errors.As(err, &sizeErr):
		message = fmt.Sprintf("Request body exceeds %d bytes", sizeErr.Limit)
	default:
		message = fmt.Sprintf("Failed to parse JSON: %s", err.Error())
	}

	JSONStatus(w, ErrorResponse{Error: DecodingErrorType, Message: message}, http.StatusBadRequest)
}

// ValidationErrors answers 422: the JSON is well-formed but its values are refused
func ValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	response := ErrorResponse{
		Error:   ValidationErrorType,
		Message: "Request validation failed",
		Fields:  make(map[string]string, len(errs)),
	}

	for _, fe := range errs {
		response.Fields[fe.Field()] = fieldMessage(fe)
	}

	JSONStatus(w, response, http.StatusUnprocessableEntity)
}

// BindAndValidate decodes the body into T and checks its validate tags.
// On failure the error answer is already written and the caller just returns.
func BindAndValidate[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var value T

	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		DecodeError(w, err)
		return value, err
	}

	err := validate.Struct(value)
	if err == nil {
		return value, nil
	}

	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		ValidationErrors(w, errs)
	} else {
		ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
	return value, err
}
