package clock

import (
	"sync"
	"time"
)

// A clock whose current time is advanced manually. Used by tests which
// exercise time-driven behavior such as receive-buffer expiry.
type TestClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (tc *TestClock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.now = tc.now.Add(d)
}

func (tc *TestClock) CurrentTimeMicro() uint64 {
	return uint64(tc.Now().UnixMicro())
}

func (tc *TestClock) CurrentTimeMs() uint64 {
	return tc.CurrentTimeMicro() / 1000
}

func (tc *TestClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMicro() / 1000000
}

func (tc *TestClock) Now() time.Time {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.now
}
