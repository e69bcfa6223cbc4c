package imaildir

import (
	"sync"

	"github.com/rotisserie/eris"
)

// ErrFrozen is returned by Hold when the Dir is currently frozen for a
// rename or delete.
var ErrFrozen = eris.New("imaildir: mailbox is frozen for rename/delete")

// locks implements the Hold/Freeze discipline from spec §4.5 and the
// GLOSSARY: a Hold is a shared lock taken for the duration of an APPEND,
// blocking a concurrent Freeze; a Freeze is an exclusive lock taken for a
// RENAME or DELETE, blocking new Holds and new accessor Registers until
// released.
type locks struct {
	mu      sync.Mutex
	holds   int
	frozen  bool
	waiters []chan struct{}
}

// Hold acquires a shared hold, refusing if the Dir is currently frozen.
func (d *Dir) Hold() error {
	d.lk.mu.Lock()
	defer d.lk.mu.Unlock()
	if d.lk.frozen {
		return ErrFrozen
	}
	d.lk.holds++
	return nil
}

// ReleaseHold releases a shared hold acquired by Hold.
func (d *Dir) ReleaseHold() {
	d.lk.mu.Lock()
	d.lk.holds--
	d.lk.notifyWaitersLocked()
	d.lk.mu.Unlock()
}

// Freeze acquires the exclusive freeze lock, blocking until every
// outstanding Hold is released and no other Freeze is in effect.
func (d *Dir) Freeze() {
	d.lk.mu.Lock()
	for d.lk.frozen || d.lk.holds > 0 {
		wake := make(chan struct{})
		d.lk.waiters = append(d.lk.waiters, wake)
		d.lk.mu.Unlock()
		<-wake
		d.lk.mu.Lock()
	}
	d.lk.frozen = true
	d.lk.mu.Unlock()
}

// ReleaseFreeze releases a Freeze acquired previously, allowing Holds and
// Registers to resume.
func (d *Dir) ReleaseFreeze() {
	d.lk.mu.Lock()
	d.lk.frozen = false
	d.lk.notifyWaitersLocked()
	d.lk.mu.Unlock()
}

// Frozen reports whether the Dir is currently frozen, used by the SC
// bridge to refuse a SELECT targeting a mailbox mid-rename/delete.
func (d *Dir) Frozen() bool {
	d.lk.mu.Lock()
	defer d.lk.mu.Unlock()
	return d.lk.frozen
}

func (l *locks) notifyWaitersLocked() {
	waiters := l.waiters
	l.waiters = nil
	for _, w := range waiters {
		close(w)
	}
}
