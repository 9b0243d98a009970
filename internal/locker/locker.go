// Package locker serializes identifier operations. At most one in-flight
// operation per identifier, a cap on concurrent operations per user, and an
// admission-control cap on active plus waiting requests per user that fails
// fast instead of queuing. State is process-local only; durability concerns
// are the store's problem, so restarting empty is safe.
package locker

import "sync"

// Manager is the process-wide operation serializer. The zero value is not
// usable; construct with New.
type Manager struct {
	maxActivePerUser int
	maxTotalPerUser  int

	cond    *sync.Cond
	locked  map[string]struct{}
	active  map[string]int
	waiting map[string]int
	paused  bool
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Active  map[string]int
	Waiting map[string]int
	Paused  bool
}

func New(maxActivePerUser, maxTotalPerUser int) *Manager {
	return &Manager{
		maxActivePerUser: maxActivePerUser,
		maxTotalPerUser:  maxTotalPerUser,
		cond:             sync.NewCond(&sync.Mutex{}),
		locked:           make(map[string]struct{}),
		active:           make(map[string]int),
		waiting:          make(map[string]int),
	}
}

// Acquire blocks until the identifier lock is granted and returns true, or
// returns false immediately when admitting this request would put the user's
// active plus waiting count over the total cap. Every Release and unpause
// re-examines the wait set; there is no fairness guarantee beyond eventual
// wakeup.
func (m *Manager) Acquire(id, user string) bool {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	for {
		_, held := m.locked[id]
		if !m.paused && !held && m.active[user] < m.maxActivePerUser {
			break
		}
		if m.active[user]+m.waiting[user] >= m.maxTotalPerUser {
			return false
		}
		m.waiting[user]++
		m.cond.Wait()
		decrement(m.waiting, user)
	}
	m.active[user]++
	m.locked[id] = struct{}{}
	return true
}

// Release frees the identifier lock and wakes all waiters. Never blocks.
func (m *Manager) Release(id, user string) {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	delete(m.locked, id)
	decrement(m.active, user)
	m.cond.Broadcast()
}

// Pause sets the global pause flag and returns its previous value. While
// paused, no new locks are granted; holders finish normally.
func (m *Manager) Pause(v bool) bool {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	old := m.paused
	m.paused = v
	if !v {
		m.cond.Broadcast()
	}
	return old
}

// GetStatus returns copies of the per-user active and waiting counts and the
// pause flag.
func (m *Manager) GetStatus() Status {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	st := Status{
		Active:  make(map[string]int, len(m.active)),
		Waiting: make(map[string]int, len(m.waiting)),
		Paused:  m.paused,
	}
	for k, v := range m.active {
		st.Active[k] = v
	}
	for k, v := range m.waiting {
		st.Waiting[k] = v
	}
	return st
}

func decrement(d map[string]int, k string) {
	if d[k] <= 1 {
		delete(d, k)
	} else {
		d[k]--
	}
}
