//go:build linux || darwin || freebsd

package health

import (
	"testing"

	"github.com/tiroq/voxd/testutil"
)

func TestStatfsUsage(t *testing.T) {
	used, total, err := StatfsUsage(t.TempDir())
	testutil.AssertNoError(t, err, "statfs temp dir")
	testutil.AssertTrue(t, total > 0, "filesystem has a size")
	testutil.AssertTrue(t, used <= total, "used within total")

	_, _, err = StatfsUsage("/does/not/exist/voxd")
	testutil.AssertErrorContains(t, err, "statfs", "missing path")
}
