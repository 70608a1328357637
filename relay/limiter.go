// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"time"
)

// secondWindow is a fixed per-second counter: the budget resets at
// second boundaries, events over budget are dropped, never queued.
// Callers serialize access.
type secondWindow struct {
	windowStart int64
	count       int
}

func (w *secondWindow) allow(now time.Time, maxPerSecond int) bool {
	if maxPerSecond <= 0 {
		return true
	}

	if sec := now.Unix(); sec != w.windowStart {
		w.windowStart = sec
		w.count = 0
	}
	if w.count >= maxPerSecond {
		return false
	}
	w.count++

	return true
}
