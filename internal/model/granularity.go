package model

import "time"

// Granularity labels and their durations in seconds. The table is
// authoritative: every label maps to exactly one duration and back.
var granularitySeconds = map[string]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"6h":  21600,
	"12h": 43200,
	"1d":  86400,
}

var granularityLabels map[int64]string

func init() {
	granularityLabels = make(map[int64]string, len(granularitySeconds))
	for label, secs := range granularitySeconds {
		granularityLabels[secs] = label
	}
}

// GranularitySeconds resolves a label like "5m" to its duration in seconds.
func GranularitySeconds(label string) (int64, bool) {
	s, ok := granularitySeconds[label]
	return s, ok
}

// GranularityLabel resolves a duration in seconds to its label.
func GranularityLabel(seconds int64) (string, bool) {
	l, ok := granularityLabels[seconds]
	return l, ok
}

// GranularityLabels returns all supported labels in ascending duration order.
func GranularityLabels() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "12h", "1d"}
}

// RetentionDays returns how long candles of a granularity are kept in Redis.
func RetentionDays(seconds int64) int {
	switch seconds {
	case 60:
		return 7
	case 300:
		return 30
	case 900:
		return 60
	case 1800:
		return 90
	case 3600:
		return 180
	case 7200, 14400, 21600, 43200:
		return 365
	case 86400:
		return 1825
	default:
		return 7
	}
}

// PollInterval returns the continuous-updater tick period for a granularity.
// Short granularities refresh often; daily candles barely move.
func PollInterval(seconds int64) time.Duration {
	switch {
	case seconds <= 60:
		return 5 * time.Second
	case seconds <= 900:
		return 30 * time.Second
	case seconds <= 3600:
		return 1 * time.Minute
	case seconds <= 21600:
		return 5 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// NativeRESTGranularity reports whether the upstream candles endpoint
// serves this granularity directly. Non-native buckets are built only by
// the live aggregator.
func NativeRESTGranularity(seconds int64) bool {
	switch seconds {
	case 60, 300, 900, 3600, 21600, 86400:
		return true
	}
	return false
}

// BucketStart floors a Unix-seconds timestamp to its bucket for granularity g.
func BucketStart(ts, g int64) int64 {
	return ts - ts%g
}

// DayStart floors a Unix-seconds timestamp to midnight UTC.
func DayStart(ts int64) int64 {
	return ts - ts%86400
}
