// Package glacier derives the archival state of objects from their extended
// attributes and drives migrate, restore and expiry passes against an
// archival backend.
package glacier

import (
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Extended attributes consulted and maintained by the tiering subsystem.
const (
	XattrStorageClass   = "user.storage_class"
	XattrRestoreRequest = "user.coldtier.restore.request"
	XattrRestoreExpiry  = "user.coldtier.restore.expiry"
)

// StorageClassGlacier marks an object as archival.
const StorageClassGlacier = "GLACIER"

// AttrKeys lists every xattr ParseAttrs understands.
var AttrKeys = []string{XattrStorageClass, XattrRestoreRequest, XattrRestoreExpiry}

// Attrs is the typed view of an object's tiering attributes.
type Attrs struct {
	StorageClass string
	// RestoreRequest is the requested retention in days; 0 means no request.
	RestoreRequest float64
	// RestoreExpiry is when restored data may be evicted; zero means unset.
	RestoreExpiry time.Time
}

// HasRestoreRequest reports whether a restore was asked for.
func (a Attrs) HasRestoreRequest() bool { return a.RestoreRequest > 0 }

// HasRestoreExpiry reports whether a restore expiry is recorded.
func (a Attrs) HasRestoreExpiry() bool { return !a.RestoreExpiry.IsZero() }

// ParseAttrs converts raw xattrs. Malformed values are logged and treated
// as absent.
func ParseAttrs(raw map[string]string, path string, logger zerolog.Logger) Attrs {
	attrs := Attrs{StorageClass: raw[XattrStorageClass]}

	if v, ok := raw[XattrRestoreRequest]; ok {
		days, err := strconv.ParseFloat(v, 64)
		if err != nil || days <= 0 || math.IsInf(days, 0) || math.IsNaN(days) {
			logger.Warn().Str("path", path).Str("value", v).Msg("Ignoring malformed restore request")
		} else {
			attrs.RestoreRequest = days
		}
	}

	if v, ok := raw[XattrRestoreExpiry]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			logger.Warn().Str("path", path).Str("value", v).Msg("Ignoring malformed restore expiry")
		} else {
			attrs.RestoreExpiry = t
		}
	}
	return attrs
}

// RestoreState is the derived archival state of a GLACIER object.
type RestoreState string

// Restore states.
const (
	StateCanRestore RestoreState = "CAN_RESTORE"
	StateOngoing    RestoreState = "ONGOING"
	StateRestored   RestoreState = "RESTORED"
)

// RestoreStatus is the result of GetRestoreStatus.
type RestoreStatus struct {
	State      RestoreState
	ExpiryTime time.Time // set for StateRestored
}

// GetRestoreStatus derives the restore state at now. It returns nil for
// objects that are not in the GLACIER storage class.
func GetRestoreStatus(attrs Attrs, now time.Time, path string, logger zerolog.Logger) *RestoreStatus {
	if attrs.StorageClass != StorageClassGlacier {
		return nil
	}

	if attrs.HasRestoreRequest() {
		if attrs.HasRestoreExpiry() && attrs.RestoreExpiry.After(now) {
			// Left as ONGOING: the request wins over the stale expiry.
			logger.Warn().Str("path", path).Time("expiry", attrs.RestoreExpiry).
				Msg("Object has both a restore request and a future restore expiry")
		}
		return &RestoreStatus{State: StateOngoing}
	}

	if !attrs.HasRestoreExpiry() || !attrs.RestoreExpiry.After(now) {
		return &RestoreStatus{State: StateCanRestore}
	}
	return &RestoreStatus{State: StateRestored, ExpiryTime: attrs.RestoreExpiry}
}
