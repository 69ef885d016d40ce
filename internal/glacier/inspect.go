package glacier

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// Inspector reads object state from the filesystem.
type Inspector struct {
	fs     nativefs.FS
	now    func() time.Time
	logger zerolog.Logger
}

// NewInspector creates an Inspector. A nil now defaults to time.Now.
func NewInspector(fsys nativefs.FS, now func() time.Time, logger zerolog.Logger) *Inspector {
	if now == nil {
		now = time.Now
	}
	return &Inspector{fs: fsys, now: now, logger: logger}
}

// Stat returns the object's stat data and parsed tiering attributes.
// A missing object yields an error matching fs.ErrNotExist.
func (i *Inspector) Stat(path string) (*nativefs.Stat, Attrs, error) {
	st, err := i.fs.Stat(path, AttrKeys...)
	if err != nil {
		return nil, Attrs{}, err
	}
	return st, ParseAttrs(st.Xattrs, path, i.logger), nil
}

// RestoreStatus returns the current restore status of path, nil when the
// object is not archival.
func (i *Inspector) RestoreStatus(path string) (*RestoreStatus, error) {
	_, attrs, err := i.Stat(path)
	if err != nil {
		return nil, err
	}
	return GetRestoreStatus(attrs, i.now(), path, i.logger), nil
}

// ShouldMigrate reports whether path still has data on disk and is not
// being or already restored.
func (i *Inspector) ShouldMigrate(path string) (bool, error) {
	st, attrs, err := i.Stat(path)
	if err != nil {
		return false, err
	}
	if st.Blocks == 0 {
		return false, nil
	}
	status := GetRestoreStatus(attrs, i.now(), path, i.logger)
	return status != nil && status.State == StateCanRestore, nil
}

// ShouldRestore reports whether a restore of path is pending.
func (i *Inspector) ShouldRestore(path string) (bool, error) {
	_, attrs, err := i.Stat(path)
	if err != nil {
		return false, err
	}
	status := GetRestoreStatus(attrs, i.now(), path, i.logger)
	return status != nil && status.State == StateOngoing, nil
}
