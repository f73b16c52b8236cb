// Package validate wraps go-playground/validator and renders failures as
// reason strings that are safe to show to administrators.
package validate

import (
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Validator checks struct tags and reports readable reasons.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator.
func New() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

var (
	defaultOnce sync.Once
	defaultV    *Validator
)

func shared() *Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

// Struct validates s with a shared Validator.
func Struct(s any) []string { return shared().Struct(s) }

// Partial validates only the named fields of s with a shared Validator.
func Partial(s any, fields ...string) []string { return shared().Partial(s, fields...) }

// Struct returns one reason per failing field, or nil when s is valid.
func (v *Validator) Struct(s any) []string {
	return reasons(v.validate.Struct(s))
}

// Partial is Struct restricted to fields.
func (v *Validator) Partial(s any, fields ...string) []string {
	return reasons(v.validate.StructPartial(s, fields...))
}

func reasons(err error) []string {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, formatFieldError(fe, prettifyFieldName(fe.Field())))
	}
	return out
}

func formatFieldError(err validator.FieldError, fieldName string) string {
	switch err.Tag() {
	case "required":
		return fieldName + " is required"
	case "email":
		return fieldName + " must be a valid email address"
	case "min":
		return fieldName + " must be at least " + err.Param() + " characters long"
	case "max":
		return fieldName + " must be at most " + err.Param() + " characters long"
	case "oneof":
		return fieldName + " must be one of the following: " + err.Param()
	case "dive":
		return fieldName + " contains an invalid entry"
	default:
		return fieldName + " is invalid"
	}
}

// prettifyFieldName turns "LoginKey" into "Login Key".
func prettifyFieldName(field string) string {
	var result []rune
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' && field[i-1] >= 'a' && field[i-1] <= 'z' {
			result = append(result, ' ')
		}
		result = append(result, r)
	}
	return cases.Title(language.Und, cases.NoLower).String(string(result))
}
