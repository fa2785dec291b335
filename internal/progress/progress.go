package progress

import "time"

// Sample is a raw progress reading taken by a producer (transfer or hash loop).
// Total is -1 when the producer does not know the final size.
type Sample struct {
	Bytes int64
	Total int64
	At    time.Time
}

// Update is the throttled, rate-annotated view handed to an observer.
type Update struct {
	Phase          string  `json:"phase"`
	Percent        int     `json:"percent"` // -1 when indeterminate
	Bytes          int64   `json:"bytes"`
	Total          int64   `json:"total"`
	BytesPerSecond float64 `json:"bytes_per_second"`
}

// Indeterminate reports whether the update carries no usable percentage.
func (u Update) Indeterminate() bool {
	return u.Percent < 0
}

// Sink receives raw samples. Implementations must not block the caller.
type Sink interface {
	Report(s Sample)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(s Sample)

// Report calls f(s).
func (f SinkFunc) Report(s Sample) { f(s) }

// Discard is a Sink that drops every sample.
var Discard Sink = SinkFunc(func(Sample) {})

// Percent returns floor(bytes*100/total), or -1 when total is unknown.
func Percent(bytes, total int64) int {
	if total <= 0 {
		return -1
	}
	if bytes >= total {
		return 100
	}
	if bytes <= 0 {
		return 0
	}
	// Split the multiplication to stay clear of overflow on very large totals.
	return int((bytes/total)*100 + (bytes%total)*100/total)
}
