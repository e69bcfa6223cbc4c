// Package imaildir implements the per-folder authoritative local mailbox
// store described in spec §4.3: message metadata, content, and a durable
// modseq-ordered log, shared by many concurrent downstream "view"
// accessors and one active upstream "sync" accessor.
package imaildir

import (
	"os"
	"path/filepath"
	"sync"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/rotisserie/eris"
)

// Msg is one message's metadata as held by an imaildir, keyed by its
// upstream UID.
type Msg struct {
	UID          uint32
	Flags        [][]byte
	InternalDate int64 // unix seconds
	ModSeq       int64
	RFC822Len    uint32
	Downloaded   bool // content file exists on disk iff true, per invariant
	NotForMe     bool // decrypted with pemenv.ErrNotForMe, stored as ciphertext
}

// Expunge records a UID that has been removed, and the modseq at which
// the removal became visible; needed to answer QRESYNC VANISHED.
type Expunge struct {
	UID    uint32
	ModSeq int64
}

// Dir is one folder's authoritative local store: metadata + log (backed
// by an embedded sqlite database) plus a maildir-style cur/new/tmp
// content directory. Per spec §4.3, content (messages, expunges, the
// modseq log, the content directory) is guarded by a readers-writer
// lock; the access list (registered accessors, fail flag) is guarded by
// a plain mutex, and lock ordering is always content-first, access-last.
type Dir struct {
	Logf func(format string, v ...interface{})

	root  string // folder directory: root/{cur,new,tmp,log.sqlite3}
	filer *iox.Filer

	contentMu sync.RWMutex
	db        *sqlitex.Pool
	nextTemp  uint32 // local-only temp IDs for in-flight APPEND

	accessMu    sync.Mutex
	accessors   map[*Accessor]bool
	failed      error
	refs        int
	closeWaiter chan struct{}

	lk locks
}

// Accessor is a registered reader or writer of a Dir: an upstream sync
// session (the one writer) or a downstream view session (one of many
// readers). Accessors are counted separately from Dir.refs: when the
// accessor count reaches zero the downloader may idle down, but the Dir
// itself is only freed once refs also reaches zero (spec §3.3).
type Accessor struct {
	Upstream bool
	Updates  chan Update
}

// Update is a unilateral change pushed to a registered Accessor: new or
// changed messages, expunges, or a flags change, used to drive IMAP
// unilateral responses (EXISTS/RECENT/EXPUNGE/FETCH/VANISHED) per spec
// §4.5 Idle and §8 scenario 6.
type Update struct {
	NewOrChanged []Msg
	Expunged     []Expunge
	UIDValidity  uint32 // nonzero only when UID-validity has just changed
}

// Open opens (creating if necessary) the imaildir rooted at dir.
func Open(dir string, filer *iox.Filer, logf func(string, ...interface{})) (*Dir, error) {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, eris.Wrapf(err, "imaildir: mkdir %s", sub)
		}
	}
	dbfile := filepath.Join(dir, "log.sqlite3")
	pool, err := openLog(dbfile)
	if err != nil {
		return nil, eris.Wrap(err, "imaildir: open log")
	}
	return &Dir{
		Logf:      logf,
		root:      dir,
		filer:     filer,
		db:        pool,
		accessors: make(map[*Accessor]bool),
	}, nil
}

// Register adds a new accessor (one upstream sync connection, or one
// downstream view session) and bumps the Dir's reference count. The
// returned Accessor must be passed to Unregister when the caller is done.
func (d *Dir) Register(upstream bool) *Accessor {
	a := &Accessor{Upstream: upstream, Updates: make(chan Update, 16)}
	d.accessMu.Lock()
	d.accessors[a] = true
	d.refs++
	d.accessMu.Unlock()
	return a
}

// Unregister removes a, decrementing the reference count. If the count
// reaches zero and a close is pending, Close's waiter is released.
func (d *Dir) Unregister(a *Accessor) {
	d.accessMu.Lock()
	delete(d.accessors, a)
	d.refs--
	waiter := d.closeWaiter
	remaining := d.refs
	d.accessMu.Unlock()
	if waiter != nil && remaining == 0 {
		close(waiter)
	}
}

// accessorCount returns the number of currently registered accessors,
// split by role; used by the downloader state machine to decide when to
// idle down (spec §4.3's WAIT_FOR_CONN transition).
func (d *Dir) accessorCount() (upstream, downstream int) {
	d.accessMu.Lock()
	defer d.accessMu.Unlock()
	for a := range d.accessors {
		if a.Upstream {
			upstream++
		} else {
			downstream++
		}
	}
	return upstream, downstream
}

// Broadcast pushes u to every registered accessor matching toUpstream;
// pass false to reach every downstream (view) accessor, used to turn a
// freshly-synced upstream change into the downstream unilateral
// responses of spec §4.5 Idle / §8 scenario 6.
func (d *Dir) Broadcast(u Update, toUpstream bool) {
	d.accessMu.Lock()
	defer d.accessMu.Unlock()
	for a := range d.accessors {
		if a.Upstream != toUpstream {
			continue
		}
		select {
		case a.Updates <- u:
		default:
			// slow consumer; drop rather than block the writer holding
			// contentMu during this broadcast
		}
	}
}

// Fail marks the Dir permanently broken (an unrecoverable protocol error
// from upstream, spec §4.5 failure semantics) so new Registers can be
// refused and existing accessors torn down by their callers.
func (d *Dir) Fail(err error) {
	d.accessMu.Lock()
	if d.failed == nil {
		d.failed = err
	}
	d.accessMu.Unlock()
}

// Failed returns the error Fail was called with, or nil.
func (d *Dir) Failed() error {
	d.accessMu.Lock()
	defer d.accessMu.Unlock()
	return d.failed
}

// NextTempID returns a fresh, process-local temp ID used to stage a
// message during APPEND before its upstream UID is known.
func (d *Dir) NextTempID() uint32 {
	d.contentMu.Lock()
	defer d.contentMu.Unlock()
	d.nextTemp++
	return d.nextTemp
}

// Close performs the two-phase shutdown described in spec §5: it waits
// for every registered accessor to Unregister, then flushes and releases
// the log database. Callers should first signal every accessor to stop
// (e.g. by canceling their owning SC bridges) before calling Close.
func (d *Dir) Close() error {
	d.accessMu.Lock()
	if d.refs == 0 {
		d.accessMu.Unlock()
	} else {
		waiter := make(chan struct{})
		d.closeWaiter = waiter
		d.accessMu.Unlock()
		<-waiter
	}
	return d.db.Close()
}

// ContentPath returns the on-disk path a downloaded message's content
// would live at, in the maildir "cur" directory, keyed by UID.
func (d *Dir) ContentPath(uid uint32) string {
	return filepath.Join(d.root, "cur", formatUID(uid))
}

func formatUID(uid uint32) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hex[uid&0xf]
		uid >>= 4
	}
	return string(b)
}
