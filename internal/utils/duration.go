package utils

import (
	"fmt"
	"strconv"
	"time"
)

// DisplayTime renders a duration the way the admin console shows it:
// plain seconds under a minute, "M:SS" above.
func DisplayTime(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	if secs > 60 {
		return fmt.Sprintf("%d:%02d", secs/60, secs%60)
	}
	return strconv.Itoa(secs)
}
