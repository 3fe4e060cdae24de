package sync

import "time"

// maxWindow is roughly the longest range a single getSMS call accepts.
const maxWindow = 90 * 24 * time.Hour

type window struct {
	from time.Time
	to   time.Time
}

// splitWindows cuts [from, to] into consecutive windows no longer than
// maxWindow. Every window must fetch successfully before any merge runs.
func splitWindows(from, to time.Time) []window {
	if !to.After(from) {
		return []window{{from: from, to: to}}
	}
	var windows []window
	for start := from; start.Before(to); start = start.Add(maxWindow) {
		end := start.Add(maxWindow)
		if end.After(to) {
			end = to
		}
		windows = append(windows, window{from: start, to: end})
	}
	return windows
}

func dayFloor(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
