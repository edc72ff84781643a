package libsim

import (
	"github.com/pkg/errors"
)

var (
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrUnknownResourceKind = errors.New("no resource of the requested kind")
	ErrResourceNotHeld     = errors.New("resource is not held")
	ErrResourceBroken      = errors.New("simulation resource is broken")
	ErrExecutionTimeout    = errors.New("execution timed out")
	ErrExecutionError      = errors.New("execution failed")
	ErrInterrupted         = errors.New("suite run interrupted")
	ErrInvalidSuite        = errors.New("invalid test suite")
)

func isTimeout(err error) bool {
	return errors.Is(err, ErrExecutionTimeout)
}
