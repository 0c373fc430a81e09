package cancel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFireWakesWaiter(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		<-c.Done()
		close(done)
	}()
	c.Fire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	require.True(t, c.Fired())
	require.ErrorIs(t, c.Err(), ErrAborted)
}

func TestChildFiresWhenParentFires(t *testing.T) {
	parent := New()
	child := parent.Child()
	require.False(t, child.Fired())
	parent.Fire()
	require.True(t, child.Fired())
}

func TestParentUnaffectedByChildFiring(t *testing.T) {
	parent := New()
	child := parent.Child()
	child.Fire()
	require.True(t, child.Fired())
	require.False(t, parent.Fired())
}

func TestWatchDogFiresAtDeadline(t *testing.T) {
	parent := New()
	wd := NewWatchDog(parent, 20*time.Millisecond)
	require.False(t, wd.Cancel().Fired())
	time.Sleep(60 * time.Millisecond)
	require.True(t, wd.Cancel().Fired())
}

func TestWatchDogExtendPostponesFiring(t *testing.T) {
	parent := New()
	wd := NewWatchDog(parent, 20*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	wd.Extend(200 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.False(t, wd.Cancel().Fired(), "extended watchdog fired too early")
}

func TestWatchDogStopPreventsFiring(t *testing.T) {
	parent := New()
	wd := NewWatchDog(parent, 10*time.Millisecond)
	wd.Stop()
	time.Sleep(30 * time.Millisecond)
	require.False(t, wd.Cancel().Fired())
}
