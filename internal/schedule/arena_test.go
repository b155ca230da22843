package schedule_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/schedule"
	"github.com/roach88/meshsync/internal/testutil"
)

func TestArena_ScheduleFiresOnceAndReleases(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	fired := 0
	arena.Schedule("m1", 5*time.Second, func() { fired++ })
	require.True(t, arena.Pending("m1"))

	clock.Advance(4 * time.Second)
	assert.Equal(t, 0, fired)

	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, arena.Pending("m1"))
	assert.Equal(t, 0, arena.Len())
}

func TestArena_ScheduleReplaces(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	var fired []string
	arena.Schedule("m1", 5*time.Second, func() { fired = append(fired, "first") })
	arena.Schedule("m1", 10*time.Second, func() { fired = append(fired, "second") })
	assert.Equal(t, 1, arena.Len())

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"second"}, fired)
}

func TestArena_RescheduleFromCallbackIsKept(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	count := 0
	var retry func()
	retry = func() {
		count++
		if count < 3 {
			arena.Schedule("m1", time.Second, retry)
		}
	}
	arena.Schedule("m1", time.Second, retry)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
	assert.False(t, arena.Pending("m1"))
}

func TestArena_Cancel(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	fired := false
	arena.Schedule("m1", time.Second, func() { fired = true })

	assert.True(t, arena.Cancel("m1"))
	assert.False(t, arena.Cancel("m1"))
	assert.Empty(t, clock.Pending(), "cancel stops the underlying timer")

	clock.Advance(time.Minute)
	assert.False(t, fired)
}

func TestArena_CancelAll(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	for _, key := range []string{"c", "a", "b"} {
		arena.Schedule(key, time.Second, func() { t.Error("cancelled task fired") })
	}
	assert.Equal(t, []string{"a", "b", "c"}, arena.Keys())

	assert.Equal(t, 3, arena.CancelAll())
	assert.Equal(t, 0, arena.CancelAll())
	clock.Advance(time.Minute)
}

func TestArena_CloseRefusesNewTasks(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	fired := 0
	arena.Schedule("m1", 5*time.Second, func() {
		arena.Close()
		arena.Schedule("m1", 5*time.Second, func() { fired++ })
	})
	arena.Every("beat", time.Second, func() { fired++ })

	clock.Advance(5 * time.Second)
	assert.Equal(t, 4, fired, "heartbeat ran until close")
	assert.Equal(t, 0, arena.Len(), "a callback cannot re-arm after close")

	clock.Advance(time.Hour)
	assert.Equal(t, 4, fired)
	assert.Empty(t, clock.Pending())

	arena.Open()
	arena.Schedule("m2", time.Second, func() { fired++ })
	clock.Advance(time.Second)
	assert.Equal(t, 5, fired)
}

func TestArena_Every(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	ticks := 0
	arena.Every("heartbeat", 30*time.Second, func() { ticks++ })

	clock.Advance(95 * time.Second)
	assert.Equal(t, 3, ticks)
	assert.True(t, arena.Pending("heartbeat"))

	arena.Cancel("heartbeat")
	clock.Advance(time.Hour)
	assert.Equal(t, 3, ticks)
}

func TestArena_EveryCancelledFromCallback(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	arena := schedule.NewArena(clock)

	ticks := 0
	arena.Every("sweep", time.Second, func() {
		ticks++
		arena.Cancel("sweep")
	})

	clock.Advance(time.Minute)
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 0, arena.Len())
}

func TestArena_SystemClock(t *testing.T) {
	arena := schedule.NewArena(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	arena.Schedule("now", time.Millisecond, wg.Done)
	wg.Wait()

	assert.Eventually(t, func() bool { return arena.Len() == 0 }, time.Second, time.Millisecond)
}
