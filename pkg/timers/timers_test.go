package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRecorder(t *testing.T) {
	recorder := NewTimeRecorder()
	assert.True(t, recorder.Expired(), "a fresh recorder has nothing to wait for")

	recorder.StartNow(time.Hour)
	assert.False(t, recorder.Expired())
	assert.Greater(t, recorder.Delta(), 59*time.Minute)

	recorder.StartNow(0)
	assert.True(t, recorder.Expired())
}

// The recorder compensates for time spent working: sleeping after a delay
// only waits out the remainder.
func TestSleepCompensatesForWork(t *testing.T) {
	recorder := NewTimeRecorder()
	recorder.StartNow(60 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	start := time.Now()
	recorder.Sleep()
	slept := time.Since(start)
	assert.Less(t, slept, 60*time.Millisecond, "the 40ms of work counts against the wait")

	// and an overshot wait doesn't sleep at all
	recorder.StartNow(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	start = time.Now()
	recorder.Sleep()
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}
