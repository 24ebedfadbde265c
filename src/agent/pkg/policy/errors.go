// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package policy

import (
	"errors"
	"fmt"
)

// ErrIDExhausted is returned when the rule ID counter would wrap. It is fatal.
var ErrIDExhausted = errors.New("rule id space exhausted")

// ValidationError reports bad administrative input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
