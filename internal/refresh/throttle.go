package refresh

import (
	"net/http"
	"strings"
)

var throttleMarkers = []string{
	"too many requests",
	"temporarily_unavailable",
	"temporarily unavailable",
	"throttle",
	"rate limit",
	"429",
	"retry-after",
}

// IsThrottled reports whether a failed attempt looks rate limited. It only
// feeds inter-batch pacing.
func IsThrottled(status int, errText string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if errText == "" {
		return false
	}
	text := strings.ToLower(errText)
	for _, m := range throttleMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// nextDelay adapts the pacing delay after a batch: throttled batches push it
// up toward ceiling, clean ones relax it by a second toward base.
func nextDelay(cur, base, ceiling, hits int) int {
	if hits > 0 {
		return min(ceiling, max(cur, 1)+min(3, hits))
	}
	if cur > base {
		return max(base, cur-1)
	}
	return cur
}
