package session

import (
	"encoding/json"
	"time"
)

// Catalog is plugin catalog metadata, passed through untouched.
type Catalog = json.RawMessage

// TimeRange is the half-open interval [Begin, End) a catalog item covers.
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Begin) && t.Before(r.End)
}

func (r TimeRange) Duration() time.Duration {
	if r.End.Before(r.Begin) {
		return 0
	}
	return r.End.Sub(r.Begin)
}
