package music

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errBadPosition = errors.New("position must be seconds, mm:ss or hh:mm:ss")

// parsePosition reads "90", "1:30" or "1:02:03" as a track offset.
func parsePosition(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errBadPosition
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, errBadPosition
	}

	var secs int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, errBadPosition
		}
		// every field after the leading one is a base-60 digit
		if i > 0 && n >= 60 {
			return 0, errBadPosition
		}
		secs = secs*60 + n
	}
	return time.Duration(secs) * time.Second, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
