package hierarchy

import (
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("hierarchy: not found")
	ErrValidation       = errors.New("hierarchy: validation failed")
	ErrConflict         = errors.New("hierarchy: conflict")
	ErrStoreUnavailable = errors.New("hierarchy: store unavailable")
	ErrAccountInactive  = errors.New("hierarchy: account inactive")
)

// ValidationError carries the human-readable reasons a mutation was refused.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(reasons ...string) error {
	return &ValidationError{Reasons: reasons}
}

// Reasons extracts validation reasons from err, if any.
func Reasons(err error) []string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reasons
	}
	if errors.Is(err, ErrValidation) {
		return []string{strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")}
	}
	return nil
}
