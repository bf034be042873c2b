// Package validation wires go-playground/validator into the HTTP layer:
// one shared instance with the service's custom rules registered, and a
// converter from validator errors to the field-level messages the problem
// responses carry.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mnemora/mnemora/internal/tenant"
)

// FieldError is one invalid field in a request body.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// New builds the shared validator. Error field names come from json tags,
// and the node_id rule enforces the identifier charset the stores accept.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// The tag set is static, so registration cannot fail.
	_ = v.RegisterValidation("node_id", func(fl validator.FieldLevel) bool {
		return tenant.ValidID(fl.Field().String())
	})
	return v
}

// Fields converts a validator error into per-field messages. A non-validator
// error produces a single message with no field name.
func Fields(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fieldPath(fe), Message: message(fe)})
	}
	return out
}

// fieldPath strips the top-level struct name from the namespace so clients
// see "relationships[0].type" rather than "storeRequest.relationships[0].type".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.Join(strings.Fields(fe.Param()), ", "))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("exceeds the maximum of %s", fe.Param())
	case "node_id":
		return "must contain only letters, digits, underscores and hyphens"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
