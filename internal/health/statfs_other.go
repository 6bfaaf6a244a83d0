//go:build !linux && !darwin && !freebsd

package health

import (
	"errors"
	"fmt"
)

// StatfsUsage is not available on this platform; the disk check reports an
// error result.
func StatfsUsage(path string) (used, total uint64, err error) {
	return 0, 0, fmt.Errorf("statfs %s: %w", path, errors.ErrUnsupported)
}
