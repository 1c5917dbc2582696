package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"crmrelay/internal/types"
)

// Validator wraps go-playground/validator for request payloads.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed rule.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every failed rule of one payload.
type ValidationResult struct {
	Errors []ValidationError
}

// IsValid reports whether no rule failed.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// NewValidator creates a Validator that reports JSON field names.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct runs the struct's validate tags.
func (v *Validator) ValidateStruct(s any) ValidationResult {
	err := v.validate.Struct(s)
	if err == nil {
		return ValidationResult{}
	}

	return v.collect(err, "")
}

// ValidateVar checks a single value against tag, reporting failures under
// field. It serves limits only known at runtime, such as the batch ceiling.
func (v *Validator) ValidateVar(field string, value any, tag string) ValidationResult {
	err := v.validate.Var(value, tag)
	if err == nil {
		return ValidationResult{}
	}
	return v.collect(err, field)
}

func (v *Validator) collect(err error, field string) ValidationResult {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		// InvalidValidationError means a programming error, not bad input.
		v.logger.Error("validator misuse", "error", err)
		return ValidationResult{Errors: []ValidationError{{Code: "invalid", Message: err.Error()}}}
	}

	result := ValidationResult{Errors: make([]ValidationError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		name := fe.Field()
		if field != "" {
			name = field
		}
		result.Errors = append(result.Errors, ValidationError{
			Field:   name,
			Code:    fe.Tag(),
			Message: describe(name, fe),
		})
	}
	return result
}

// ToAppError converts a failed result into a 400 AppError with per-field
// details. code selects the error code reported to the client.
func (r ValidationResult) ToAppError(code types.ErrorCode) *types.AppError {
	fields := make([]map[string]any, 0, len(r.Errors))
	for _, e := range r.Errors {
		fields = append(fields, map[string]any{"field": e.Field, "code": e.Code, "message": e.Message})
	}
	msg := "request validation failed"
	if len(r.Errors) == 1 {
		msg = r.Errors[0].Message
	}
	return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{"fields": fields})
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must contain at most %s item(s)", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
