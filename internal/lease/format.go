package lease

import (
	"fmt"
	"time"
)

// ZeroDisplay is what the countdown shows once the lease has run out.
const ZeroDisplay = "00:00:00"

// FormatRemaining renders a remaining duration as HH:MM:SS. Sub-second
// remainders are truncated; zero and negative durations render as 00:00:00.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return ZeroDisplay
	}

	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
