package syncer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var remoteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000Z0700",
}

// ParseRemoteTime converts a remote wall-clock string with offset to epoch ms.
func ParseRemoteTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	for _, layout := range remoteLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unsupported time format: %q", s)
}

// RemoteMillis is ParseRemoteTime that degrades to 0 and logs instead of failing.
func RemoteMillis(log *zap.Logger, field, s string) int64 {
	ms, err := ParseRemoteTime(s)
	if err != nil {
		log.Warn("time conversion failed", zap.String("field", field), zap.String("value", s), zap.Error(err))
		return 0
	}
	return ms
}

// FormatRemoteTime renders epoch ms as the UTC wall-clock string remote APIs accept.
func FormatRemoteTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05Z")
}

// ParseCheckpointTime accepts operator-supplied times for checkpoint rewinds:
// RFC 3339, a bare date-time (UTC), or epoch milliseconds.
func ParseCheckpointTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	if ms, err := ParseRemoteTime(s); err == nil {
		return ms, nil
	}
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if tm, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return tm.UnixMilli(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= 0 {
		return ms, nil
	}
	return 0, fmt.Errorf("unsupported time format: %q", s)
}
