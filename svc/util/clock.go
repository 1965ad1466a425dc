package util

import (
	"net/http"
	"strconv"
	"time"
)

const TestNowHeader = "X-Test-Now-Ms"

// RequestTime is the instant expiry decisions are made against. With testMode
// on, a request may pin it through X-Test-Now-Ms (unix milliseconds); a
// missing or malformed header falls back to the wall clock.
func RequestTime(r *http.Request, testMode bool) time.Time {
	if testMode {
		if v := r.Header.Get(TestNowHeader); v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
				return time.UnixMilli(ms)
			}
		}
	}
	return time.Now()
}
