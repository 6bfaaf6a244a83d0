//go:build linux || darwin || freebsd

package health

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsUsage reports bytes used and total for the filesystem holding path.
func StatfsUsage(path string) (used, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bs := uint64(st.Bsize)
	return (st.Blocks - st.Bfree) * bs, st.Blocks * bs, nil
}
