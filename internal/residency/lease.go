package residency

import "sync"

// Lease pins a resident model. Release is idempotent.
type Lease struct {
	m     *Manager
	entry ModelEntry
	once  sync.Once
}

// Entry returns the entry as it was when the lease was taken.
func (l *Lease) Entry() ModelEntry { return l.entry }

// Release unpins the model.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		if e, ok := l.m.entries[l.entry.ID]; ok {
			l.m.unpinLocked(e)
		}
		l.m.mu.Unlock()
	})
}
