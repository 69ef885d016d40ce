package glacier

import (
	"context"

	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// FreeSpaceProbe reports space pressure on the namespace filesystem.
type FreeSpaceProbe interface {
	LowFreeSpace(ctx context.Context) (bool, error)
}

// VolumeProbe reports pressure when the volume holding Path has less than
// MinAvailable bytes available.
type VolumeProbe struct {
	Path         string
	MinAvailable int64
}

// LowFreeSpace implements FreeSpaceProbe.
func (p VolumeProbe) LowFreeSpace(context.Context) (bool, error) {
	_, _, available, err := nativefs.VolumeStats(p.Path)
	if err != nil {
		return false, err
	}
	return available < p.MinAvailable, nil
}
