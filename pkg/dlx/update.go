package dlx

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
)

// RecordUpdateCheck folds the result of an update probe into the cache
// metadata and reports whether latest is strictly newer than current.
// Versions are compared semantically, so "1.10.0" beats "1.9.0".
func RecordUpdateCheck(meta *Metadata, current, latest string, now time.Time) (bool, error) {
	cur, err := version.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("failed to parse current version %q: %w", current, err)
	}
	lat, err := version.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("failed to parse latest version %q: %w", latest, err)
	}

	if meta.UpdateCheck == nil {
		meta.UpdateCheck = &UpdateCheck{}
	}
	meta.UpdateCheck.LastCheck = now.UnixMilli()

	newer := lat.GreaterThan(cur)
	if newer {
		meta.UpdateCheck.LatestKnown = lat.Original()
		meta.UpdateCheck.LastNotification = now.UnixMilli()
	}
	return newer, nil
}
