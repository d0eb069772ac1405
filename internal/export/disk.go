package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskFree reports free bytes on the volume holding path.
type DiskFree func(ctx context.Context, path string) (uint64, error)

// FreeSpace is the gopsutil-backed DiskFree. path must exist; the nearest
// existing parent is used otherwise.
func FreeSpace(ctx context.Context, path string) (uint64, error) {
	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			usage, err := disk.UsageWithContext(ctx, p)
			if err != nil {
				return 0, fmt.Errorf("disk usage for %s: %w", p, err)
			}
			return usage.Free, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return 0, fmt.Errorf("no existing parent for %s", path)
		}
		p = parent
	}
}
