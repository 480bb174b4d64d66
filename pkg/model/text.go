package model

import (
	"errors"
	"fmt"
)

// Field bounds. Anything longer is rejected at the decoding boundary, never
// truncated.
const (
	MaxUsername = 30
	MaxSubject  = 100
	MaxBody     = 1000
)

// ErrFieldTooLong is returned when a text field exceeds its bound.
var ErrFieldTooLong = errors.New("field too long")

// ErrFieldEmpty is returned when a required text field is empty.
var ErrFieldEmpty = errors.New("field empty")

// ValidateText checks len(s) (in bytes) against max.
func ValidateText(field, s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("%s: %d bytes > %d: %w", field, len(s), max, ErrFieldTooLong)
	}
	return nil
}

// Validate checks every bounded field of a payload.
func Validate(p Payload) error {
	switch p := p.(type) {
	case Mail:
		if p.To == "" {
			return fmt.Errorf("to: %w", ErrFieldEmpty)
		}
		for _, f := range []struct {
			name string
			val  string
			max  int
		}{
			{"username", p.Username, MaxUsername},
			{"to", p.To, MaxUsername},
			{"subject", p.Subject, MaxSubject},
			{"body", p.Body, MaxBody},
		} {
			if err := ValidateText(f.name, f.val, f.max); err != nil {
				return err
			}
		}
		return nil
	case Read:
		return ValidateText("username", p.Username, MaxUsername)
	case Delete:
		return ValidateText("username", p.Username, MaxUsername)
	default:
		return fmt.Errorf("unknown payload %T", p)
	}
}
