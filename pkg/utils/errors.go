package utils

import (
	"fmt"
)

// MakeError wraps a sentinel error with formatted details, keeping the
// sentinel matchable through errors.Is
func MakeError(err error, detailsBody string, args ...any) error {
	return fmt.Errorf("%w: "+detailsBody, append([]any{err}, args...)...)
}
