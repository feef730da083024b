package utils

import (
	"github.com/pkg/errors"
)

// NewUnknownTypeError is used when a configured implementation name has no registered constructor.
func NewUnknownTypeError(kind, name string) error {
	return errors.Errorf("unknown %s type %q", kind, name)
}
