package domain

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration renders an elapsed time as 日/時間/分/秒 components.
// Zero units other than seconds are omitted.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	minutes := total / 60
	seconds := total % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%d日", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%d時間", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%d分", minutes)
	}
	fmt.Fprintf(&b, "%d秒", seconds)
	return b.String()
}
