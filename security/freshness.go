package security

import "time"

const defaultClockSkew = time.Minute

// FreshnessWindow bounds how old a signed token may be. A zero MaxAge
// disables the check.
type FreshnessWindow struct {
	MaxAge time.Duration
	Skew   time.Duration
}

func (w FreshnessWindow) Enabled() bool {
	return w.MaxAge > 0
}

func (w FreshnessWindow) Allows(issuedAt time.Time, now time.Time) bool {
	if !w.Enabled() {
		return true
	}
	ts := issuedAt.UTC()
	now = now.UTC()
	if ts.After(now.Add(w.Skew)) {
		return false
	}
	return !now.After(ts.Add(w.MaxAge))
}
