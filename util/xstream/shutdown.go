package xstream

import "sync"

// Shutdown implements the two-phase shutdown pattern spec §5 requires
// everywhere a component has children: Signal tells children to die,
// Wait blocks until every child that called Done has acknowledged, and
// the whole thing is safe to call from multiple goroutines and multiple
// times. It generalizes the stop/done channel pair citm/imaildir.Downloader
// and citm/sc.Account.Close hand-roll per component.
type Shutdown struct {
	once   sync.Once
	signal chan struct{}
	wg     sync.WaitGroup
}

// NewShutdown constructs a ready-to-use Shutdown.
func NewShutdown() *Shutdown {
	return &Shutdown{signal: make(chan struct{})}
}

// Signaled returns a channel closed once Signal has been called, for a
// child's select loop to watch.
func (s *Shutdown) Signaled() <-chan struct{} { return s.signal }

// Signal tells every watcher of Signaled to begin shutting down.
// Idempotent.
func (s *Shutdown) Signal() {
	s.once.Do(func() { close(s.signal) })
}

// Add records one more child that must call Done before Wait returns,
// mirroring sync.WaitGroup.Add; call it before starting the child.
func (s *Shutdown) Add(n int) { s.wg.Add(n) }

// Done acknowledges that one child has finished shutting down.
func (s *Shutdown) Done() { s.wg.Done() }

// Wait signals shutdown (if not already signaled) and blocks until every
// registered child has called Done — the full two-phase sequence in one
// call, for an owner with no further teardown of its own to interleave.
func (s *Shutdown) Wait() {
	s.Signal()
	s.wg.Wait()
}
