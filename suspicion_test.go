package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspicionDeadlineAtZeroConfirmationsIsMax(t *testing.T) {
	st := &suspicionTimer{k: 3, min: 100 * time.Millisecond, max: 1 * time.Second}
	assert.Equal(t, st.max, st.deadline(0))
}

func TestSuspicionDeadlineShrinksWithMoreConfirmations(t *testing.T) {
	st := &suspicionTimer{k: 5, min: 100 * time.Millisecond, max: 2 * time.Second}
	d1 := st.deadline(1)
	d2 := st.deadline(3)
	d3 := st.deadline(5)

	assert.True(t, d1 > d2, "deadline must shrink as confirmations accumulate")
	assert.True(t, d2 > d3)
	assert.True(t, d3 >= st.min, "deadline never drops below the configured floor")
}

func TestSuspicionDeadlineNeverExceedsMax(t *testing.T) {
	st := &suspicionTimer{k: 5, min: 100 * time.Millisecond, max: 2 * time.Second}
	assert.True(t, st.deadline(0) <= st.max)
}

func TestSuspicionSetFiresOnExpiry(t *testing.T) {
	fired := make(chan Id, 1)
	s := newSuspicionSet(func(id Id, incarnation uint32) { fired <- id })
	defer s.Shutdown()

	s.Start("node-a", 1, "accuser", "local", 3, 10*time.Millisecond, 20*time.Millisecond)

	select {
	case id := <-fired:
		assert.Equal(t, Id("node-a"), id)
	case <-time.After(time.Second):
		t.Fatal("suspicion timer never fired")
	}
}

func TestSuspicionConfirmIgnoresSubjectAccuserAndLocal(t *testing.T) {
	s := newSuspicionSet(func(Id, uint32) {})
	defer s.Shutdown()

	s.Start("node-a", 1, "accuser", "local", 5, 50*time.Millisecond, time.Second)
	s.Confirm("node-a", "node-a")
	s.Confirm("node-a", "accuser")
	s.Confirm("node-a", "local")

	s.mu.Lock()
	st := s.byId["node-a"]
	n := len(st.confirmed)
	s.mu.Unlock()
	assert.Equal(t, 0, n, "subject/accuser/local confirmations must not count")
}

func TestSuspicionConfirmAcceleratesExpiry(t *testing.T) {
	fired := make(chan Id, 1)
	s := newSuspicionSet(func(id Id, incarnation uint32) { fired <- id })
	defer s.Shutdown()

	s.Start("node-a", 1, "accuser", "local", 10, 10*time.Millisecond, 5*time.Second)

	for i := 0; i < 9; i++ {
		s.Confirm("node-a", Id(string(rune('b'+i))))
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("confirmations should have accelerated the deadline well under the max timeout")
	}
}

func TestSuspicionCancelPreventsExpiry(t *testing.T) {
	s := newSuspicionSet(func(Id, uint32) { t.Fatal("onExpire must not run after Cancel") })
	defer s.Shutdown()

	s.Start("node-a", 1, "accuser", "local", 3, 10*time.Millisecond, 20*time.Millisecond)
	s.Cancel("node-a")
	assert.False(t, s.Active("node-a"))

	time.Sleep(50 * time.Millisecond)
}

func TestSuspicionStartIsNoOpIfAlreadyRunning(t *testing.T) {
	s := newSuspicionSet(func(Id, uint32) {})
	defer s.Shutdown()

	s.Start("node-a", 1, "accuser", "local", 3, time.Second, 2*time.Second)
	s.Start("node-a", 99, "other-accuser", "local", 3, time.Second, 2*time.Second)

	s.mu.Lock()
	st := s.byId["node-a"]
	s.mu.Unlock()
	require.NotNil(t, st)
	assert.Equal(t, uint32(1), st.incarnation, "a second Start for the same id must not replace the timer")
}
