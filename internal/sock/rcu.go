package sock

import "sync"

// graceLock is the read-section / grace-period discipline protecting the
// device's socket pointer pair. Readers hold the read side across a socket
// use; a writer publishes new pointers, then calls Synchronize to wait out
// every reader that may still observe the old ones. Only after Synchronize
// returns may the displaced sockets be closed.
type graceLock struct {
	mu sync.RWMutex
}

func (g *graceLock) ReadLock()   { g.mu.RLock() }
func (g *graceLock) ReadUnlock() { g.mu.RUnlock() }

// Synchronize returns once every read section that began before the call has
// ended. New readers entering afterwards see only the new pointers.
func (g *graceLock) Synchronize() {
	g.mu.Lock()
	g.mu.Unlock()
}
