package aggregate

import "sync"

// cellLocks hands out one mutex per cell id. Entries are reference counted
// and dropped when the last holder unlocks, so the map only holds cells
// currently being written.
type cellLocks struct {
	mu    sync.Mutex
	locks map[string]*cellLock
}

type cellLock struct {
	sync.Mutex
	refs int
}

func newCellLocks() *cellLocks {
	return &cellLocks{locks: make(map[string]*cellLock)}
}

// lock blocks until the caller holds the cell's mutex and returns the unlock
// function.
func (c *cellLocks) lock(cellID string) func() {
	c.mu.Lock()
	l, ok := c.locks[cellID]
	if !ok {
		l = &cellLock{}
		c.locks[cellID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, cellID)
		}
		c.mu.Unlock()
	}
}

func (c *cellLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
