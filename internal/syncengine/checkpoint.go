package syncengine

import (
	"time"

	"moneycheck/internal/core"
)

// DefaultLookBack is the pull window used when no policy is configured.
const DefaultLookBack = 365 * 24 * time.Hour

// Policy picks the pull checkpoint for a user at time now.
type Policy func(u core.User, now time.Time) time.Time

// LookBack pulls every remote transaction dated within window of now.
func LookBack(window time.Duration) Policy {
	return func(_ core.User, now time.Time) time.Time {
		return now.Add(-window)
	}
}

// SinceLastSync pulls transactions dated after the user's last sync, or
// within fallback of now before the first sync. Remote records are selected
// by transaction date, so a backdated entry from another device is missed.
func SinceLastSync(fallback time.Duration) Policy {
	return func(u core.User, now time.Time) time.Time {
		if u.LastSyncDate.IsZero() {
			return now.Add(-fallback)
		}
		return u.LastSyncDate
	}
}

// ParsePolicy maps a configuration name to a policy.
func ParsePolicy(name string, window time.Duration) (Policy, bool) {
	switch name {
	case "", "window":
		return LookBack(window), true
	case "last_sync":
		return SinceLastSync(window), true
	default:
		return nil, false
	}
}
