package util

import "time"

// Clock abstracts wall and monotonic time so deadlines can be driven in tests.
// Now readings carry Go's monotonic component; durations derived from them are
// unaffected by wall-clock jumps.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// Since returns the elapsed time on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
