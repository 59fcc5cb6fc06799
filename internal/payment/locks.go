package payment

import "sync"

// recordLocks hands out one mutex per payment id and forgets it once no
// goroutine holds or waits on it.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// lock blocks until id is held and returns the matching unlock.
func (l *recordLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &recordLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
