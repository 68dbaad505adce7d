package membership

import (
	"math"
	"sync"
	"time"
)

// suspicionTimer tracks one in-flight suspicion confirmation (spec.md §3
// "Suspicion entry", §4.3).
type suspicionTimer struct {
	start       time.Time
	incarnation uint32
	originator  Id
	local       Id
	confirmed   map[Id]struct{}
	k           int
	min, max    time.Duration
	timer       *time.Timer
}

// deadline computes the Lifeguard variable-deadline rule (spec.md §4.3):
//
//	deadline(n) = max(min, max - (max-min) * log(n+1)/log(k+1))
func (s *suspicionTimer) deadline(n int) time.Duration {
	if s.k <= 0 {
		return s.max
	}
	frac := math.Log(float64(n)+1) / math.Log(float64(s.k)+1)
	d := float64(s.max) - (float64(s.max)-float64(s.min))*frac
	if d < float64(s.min) {
		d = float64(s.min)
	}
	return time.Duration(d)
}

// suspicionSet owns every in-flight suspicion timer for the table.
type suspicionSet struct {
	mu       sync.Mutex
	byId     map[Id]*suspicionTimer
	onExpire func(id Id, incarnation uint32)
}

func newSuspicionSet(onExpire func(id Id, incarnation uint32)) *suspicionSet {
	return &suspicionSet{
		byId:     make(map[Id]*suspicionTimer),
		onExpire: onExpire,
	}
}

// slack is the minimum time a rescheduled wake is kept in the future, so a
// confirmation arriving an instant before the old deadline can't race a
// firing timer (spec.md §4.3 "clamped to at least the current instant plus a
// small slack").
const suspicionSlack = 20 * time.Millisecond

// Start creates a new suspicion timer for id at incarnation with a k/min/max
// deadline configuration, unless one is already running (spec.md §4.1 step 5:
// "For a new Suspect where no timer exists, create one"). originator is the
// id the first Suspect claim about this subject came from, and local is this
// process's own id; both are permanently excluded from confirmation counting.
func (s *suspicionSet) Start(id Id, incarnation uint32, originator, local Id, k int, min, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byId[id]; exists {
		return
	}

	st := &suspicionTimer{
		start:       time.Now(),
		incarnation: incarnation,
		originator:  originator,
		local:       local,
		confirmed:   make(map[Id]struct{}),
		k:           k,
		min:         min,
		max:         max,
	}
	st.timer = time.AfterFunc(max, func() { s.fire(id) })
	s.byId[id] = st
}

// Confirm records a distinct confirming id and reschedules the wake per the
// deadline formula. A confirmation from the subject itself, the original
// accuser, or the local node is ignored (spec.md §3 "excluding originator and
// subject"; local is excluded too since a node never confirms its own claim).
func (s *suspicionSet) Confirm(id Id, from Id) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byId[id]
	if !ok {
		return
	}
	if from == id || from == st.originator || from == st.local {
		return
	}
	if _, already := st.confirmed[from]; already {
		return
	}
	st.confirmed[from] = struct{}{}
	n := len(st.confirmed)

	newDeadline := st.deadline(n)
	wake := st.start.Add(newDeadline)
	if min := time.Now().Add(suspicionSlack); wake.Before(min) {
		wake = min
	}

	st.timer.Stop()
	remaining := time.Until(wake)
	st.timer = time.AfterFunc(remaining, func() { s.fire(id) })
}

// Cancel stops and removes id's suspicion timer, if any (spec.md §4.3
// "Cancellation on Alive refutation ... or external state change").
func (s *suspicionSet) Cancel(id Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byId[id]; ok {
		st.timer.Stop()
		delete(s.byId, id)
	}
}

// Active reports whether id currently has a running suspicion timer.
func (s *suspicionSet) Active(id Id) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byId[id]
	return ok
}

func (s *suspicionSet) fire(id Id) {
	s.mu.Lock()
	st, ok := s.byId[id]
	if ok {
		delete(s.byId, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.onExpire(id, st.incarnation)
}

// Shutdown stops every running timer without invoking onExpire.
func (s *suspicionSet) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.byId {
		st.timer.Stop()
		delete(s.byId, id)
	}
}
