package policy

import (
	"errors"
	"fmt"
)

// ConfigError is a malformed rule. It is fatal at startup.
type ConfigError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	id := e.RuleID
	if id == "" {
		id = "<unnamed>"
	}
	if e.Field == "" {
		return fmt.Sprintf("policy rule %s: %s", id, e.Reason)
	}
	return fmt.Sprintf("policy rule %s: %s: %s", id, e.Field, e.Reason)
}

// IsConfigError reports whether err carries at least one ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ConfigErrors unpacks every ConfigError joined into err
func ConfigErrors(err error) []*ConfigError {
	switch e := err.(type) {
	case nil:
		return nil
	case *ConfigError:
		return []*ConfigError{e}
	case interface{ Unwrap() []error }:
		var out []*ConfigError
		for _, inner := range e.Unwrap() {
			out = append(out, ConfigErrors(inner)...)
		}
		return out
	}

	var ce *ConfigError
	if errors.As(err, &ce) {
		return []*ConfigError{ce}
	}
	return nil
}
